package sfu

import (
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
)

// PlainTransport is the egress-facing side of the router: raw RTP/RTCP
// over UDP to a fixed address, with no ICE and no DTLS (§ glossary
// "plain transport / plain receiver"). Exactly one exists per egress
// session; Connect points it at the pipeline subprocess's listening
// ports, and Consume attaches the publisher's producer to it.
type PlainTransport interface {
	ID() string
	Connect(host string, rtpPort, rtcpPort int) error
	Consume(producer Producer) (Consumer, error)
	Close() error
}

type plainTransport struct {
	id       string
	listenIP string

	mu       sync.Mutex
	rtpConn  *net.UDPConn
	rtcpConn *net.UDPConn
	consumer *consumer
	closed   bool
}

func newPlainTransport(listenIP string) (*plainTransport, error) {
	if listenIP == "" {
		listenIP = "127.0.0.1"
	}
	return &plainTransport{id: uuid.NewString(), listenIP: listenIP}, nil
}

func (t *plainTransport) ID() string { return t.id }

// Connect dials UDP toward the pipeline's RTP/RTCP listen ports. The
// local source port is left to the kernel — only the destination matters
// here, since the pipeline's udpsrc element binds the well-known port.
func (t *plainTransport) Connect(host string, rtpPort, rtcpPort int) error {
	rtpAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, rtpPort))
	if err != nil {
		return fmt.Errorf("sfu: resolve rtp addr: %w", err)
	}
	rtpConn, err := net.DialUDP("udp", nil, rtpAddr)
	if err != nil {
		return fmt.Errorf("sfu: dial rtp: %w", err)
	}

	var rtcpConn *net.UDPConn
	if rtcpPort > 0 {
		rtcpAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, rtcpPort))
		if err != nil {
			rtpConn.Close()
			return fmt.Errorf("sfu: resolve rtcp addr: %w", err)
		}
		rtcpConn, err = net.DialUDP("udp", nil, rtcpAddr)
		if err != nil {
			rtpConn.Close()
			return fmt.Errorf("sfu: dial rtcp: %w", err)
		}
	}

	t.mu.Lock()
	t.rtpConn, t.rtcpConn = rtpConn, rtcpConn
	t.mu.Unlock()
	return nil
}

func (t *plainTransport) Consume(producer Producer) (Consumer, error) {
	t.mu.Lock()
	rtpConn, rtcpConn := t.rtpConn, t.rtcpConn
	t.mu.Unlock()
	if rtpConn == nil {
		return nil, fmt.Errorf("sfu: plain transport %s not connected", t.id)
	}

	c := newConsumer(producer, rtpConn, rtcpConn)
	t.mu.Lock()
	t.consumer = c
	t.mu.Unlock()
	return c, nil
}

func (t *plainTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	c := t.consumer
	rtpConn, rtcpConn := t.rtpConn, t.rtcpConn
	t.mu.Unlock()

	if c != nil {
		_ = c.Close()
	}
	if rtpConn != nil {
		_ = rtpConn.Close()
	}
	if rtcpConn != nil {
		_ = rtcpConn.Close()
	}
	return nil
}
