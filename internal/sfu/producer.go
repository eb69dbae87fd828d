package sfu

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// Producer is a publisher's logical audio track inside the router.
// Closing it (explicitly, or because its transport closed) fires every
// registered close hook exactly once — this is what the egress
// supervisor's close-hook wiring (§4.G, §9 "cyclic references") hangs
// off of.
type Producer interface {
	ID() string
	Kind() string
	Track() *webrtc.TrackRemote
	OnClose(fn func())
	Close() error
}

type producer struct {
	id       string
	kind     string
	receiver *webrtc.RTPReceiver
	track    *webrtc.TrackRemote

	mu      sync.Mutex
	closed  bool
	onClose []func()
}

func (p *producer) ID() string                    { return p.id }
func (p *producer) Kind() string                   { return p.kind }
func (p *producer) Track() *webrtc.TrackRemote      { return p.track }

func (p *producer) OnClose(fn func()) {
	p.mu.Lock()
	p.onClose = append(p.onClose, fn)
	p.mu.Unlock()
}

func (p *producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	hooks := p.onClose
	p.mu.Unlock()

	err := p.receiver.Stop()
	for _, fn := range hooks {
		fn()
	}
	return err
}
