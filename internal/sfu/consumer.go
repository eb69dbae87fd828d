package sfu

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Consumer is a server-side subscription to a producer, delivered through
// a plain transport: it reads RTP off the producer's track and writes it
// onto the transport's UDP socket toward the pipeline subprocess. Created
// paused (mirroring mediasoup); the egress supervisor calls Resume right
// after Consume, before it spawns the pipeline (spec §4.G step 4: "unpaused").
type Consumer interface {
	ID() string
	ProducerID() string
	PayloadType() uint8
	ClockRate() uint32
	Channels() int
	Resume() error
	OnTransportClose(fn func())
	Close() error
}

type consumer struct {
	id         string
	producer   Producer
	rtpConn    *net.UDPConn
	rtcpConn   *net.UDPConn

	mu               sync.Mutex
	resumed          bool
	closed           bool
	stop             chan struct{}
	onTransportClose []func()

	packets atomic.Uint32
	octets  atomic.Uint32
}

func newConsumer(p Producer, rtpConn, rtcpConn *net.UDPConn) *consumer {
	return &consumer{
		id:       p.ID() + "-consumer",
		producer: p,
		rtpConn:  rtpConn,
		rtcpConn: rtcpConn,
		stop:     make(chan struct{}),
	}
}

func (c *consumer) ID() string         { return c.id }
func (c *consumer) ProducerID() string { return c.producer.ID() }

func (c *consumer) codec() webrtc.RTPCodecParameters {
	track := c.producer.Track()
	if track == nil {
		return webrtc.RTPCodecParameters{}
	}
	return track.Codec()
}

func (c *consumer) PayloadType() uint8 { return uint8(c.codec().PayloadType) }
func (c *consumer) ClockRate() uint32  { return c.codec().ClockRate }
func (c *consumer) Channels() int      { return int(c.codec().Channels) }

// Resume starts the forwarding loops. Idempotent.
func (c *consumer) Resume() error {
	c.mu.Lock()
	if c.resumed || c.closed {
		c.mu.Unlock()
		return nil
	}
	c.resumed = true
	c.mu.Unlock()

	go c.forwardRTP()
	if c.rtcpConn != nil {
		go c.sendSenderReports()
	}
	return nil
}

// forwardRTP is the hot path: read a packet off the producer's remote
// track, re-marshal it, and push it onto the transport's UDP socket.
// Grounded on the same read-forward idiom as the relay's loop/forward
// pair, minus the fan-out (there is exactly one destination here).
func (c *consumer) forwardRTP() {
	track := c.producer.Track()
	if track == nil {
		return
	}
	for {
		select {
		case <-c.stop:
			return
		default:
		}

		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		buf, err := pkt.Marshal()
		if err != nil {
			continue
		}
		if _, err := c.rtpConn.Write(buf); err != nil {
			log.Debug().Str("module", "sfu.consumer").Str("consumer_id", c.id).Err(err).Msg("rtp write failed")
			continue
		}
		c.packets.Add(1)
		c.octets.Add(uint32(len(pkt.Payload)))
	}
}

// sendSenderReports writes a best-effort RTCP sender report every couple
// of seconds. The spec leaves RTCP handling an open question (§9); this
// resolves it by attaching a minimal sender rather than leaving the RTCP
// port silent.
func (c *consumer) sendSenderReports() {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	var ssrc uint32
	if track := c.producer.Track(); track != nil {
		ssrc = uint32(track.SSRC())
	}
	for {
		select {
		case <-c.stop:
			return
		case now := <-ticker.C:
			sr := &rtcp.SenderReport{
				SSRC:        ssrc,
				NTPTime:     ntpTime(now),
				PacketCount: c.packets.Load(),
				OctetCount:  c.octets.Load(),
			}
			buf, err := sr.Marshal()
			if err != nil {
				continue
			}
			if _, err := c.rtcpConn.Write(buf); err != nil {
				log.Debug().Str("module", "sfu.consumer").Str("consumer_id", c.id).Err(err).Msg("rtcp write failed")
			}
		}
	}
}

func ntpTime(t time.Time) uint64 {
	const ntpEpochOffset = 2208988800
	sec := uint64(t.Unix()+ntpEpochOffset) << 32
	frac := uint64(float64(t.Nanosecond()) / 1e9 * (1 << 32))
	return sec | frac
}

func (c *consumer) OnTransportClose(fn func()) {
	c.mu.Lock()
	c.onTransportClose = append(c.onTransportClose, fn)
	c.mu.Unlock()
}

func (c *consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	hooks := c.onTransportClose
	c.mu.Unlock()

	close(c.stop)
	for _, fn := range hooks {
		fn()
	}
	return nil
}
