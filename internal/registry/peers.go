// Package registry holds the process-wide peer and room registries
// (spec §3 Data Model, §4.E Room Registry). Generalizes the teacher's
// internal/app.Registry (session bookkeeping) and internal/core.roomImpl
// (membership + broadcast) into the spec's Peer/Room shapes, behind
// narrow interfaces with internal locking — no raw maps are ever handed
// out (§9 "Global mutable state").
package registry

import (
	"sync"

	"github.com/egressd/server/internal/core"
	"github.com/egressd/server/internal/domain"
	"github.com/egressd/server/internal/sfu"
)

// Entry is the live, mutable record backing a domain.Peer: its signaling
// channel and every transport/producer/consumer it owns. A Peer snapshot
// (domain.Peer) is derived from it on demand and is safe to copy.
type Entry struct {
	mu         sync.RWMutex
	id         domain.PeerID
	role       domain.Role
	roomID     domain.RoomID
	signal     core.SignalConn
	transports map[string]sfu.Transport
	producers  map[string]sfu.Producer
	consumers  map[string]sfu.Consumer
}

func (e *Entry) ID() domain.PeerID { return e.id }

func (e *Entry) Signal() core.SignalConn {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.signal
}

func (e *Entry) Snapshot() domain.Peer {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return domain.Peer{ID: e.id, RoomID: e.roomID, Role: e.role}
}

func (e *Entry) SetRole(role domain.Role) {
	e.mu.Lock()
	e.role = role
	e.mu.Unlock()
}

func (e *Entry) setRoom(roomID domain.RoomID) {
	e.mu.Lock()
	e.roomID = roomID
	e.mu.Unlock()
}

func (e *Entry) AddTransport(t sfu.Transport) {
	e.mu.Lock()
	e.transports[t.ID()] = t
	e.mu.Unlock()
}

func (e *Entry) Transport(id string) (sfu.Transport, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.transports[id]
	return t, ok
}

func (e *Entry) RemoveTransport(id string) {
	e.mu.Lock()
	delete(e.transports, id)
	e.mu.Unlock()
}

func (e *Entry) AddProducer(p sfu.Producer) {
	e.mu.Lock()
	e.producers[p.ID()] = p
	e.mu.Unlock()
}

func (e *Entry) Producer(id string) (sfu.Producer, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.producers[id]
	return p, ok
}

func (e *Entry) RemoveProducer(id string) {
	e.mu.Lock()
	delete(e.producers, id)
	e.mu.Unlock()
}

func (e *Entry) AddConsumer(c sfu.Consumer) {
	e.mu.Lock()
	e.consumers[c.ID()] = c
	e.mu.Unlock()
}

func (e *Entry) RemoveConsumer(id string) {
	e.mu.Lock()
	delete(e.consumers, id)
	e.mu.Unlock()
}

// owned snapshots every resource handle the peer currently holds, used on
// disconnect to close everything (spec §4.F "On disconnect").
func (e *Entry) owned() (transports []sfu.Transport, producers []sfu.Producer, consumers []sfu.Consumer) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, t := range e.transports {
		transports = append(transports, t)
	}
	for _, p := range e.producers {
		producers = append(producers, p)
	}
	for _, c := range e.consumers {
		consumers = append(consumers, c)
	}
	return
}

// PeerRegistry is the process-wide peer table.
type PeerRegistry struct {
	mu    sync.RWMutex
	peers map[domain.PeerID]*Entry
}

func NewPeerRegistry() *PeerRegistry {
	return &PeerRegistry{peers: make(map[domain.PeerID]*Entry)}
}

// Register installs a new peer record on signaling connect (spec §4.F
// "On connect: mint a peer id, install a registry record").
func (r *PeerRegistry) Register(id domain.PeerID, signal core.SignalConn) *Entry {
	e := &Entry{
		id:         id,
		role:       domain.RoleListener,
		signal:     signal,
		transports: make(map[string]sfu.Transport),
		producers:  make(map[string]sfu.Producer),
		consumers:  make(map[string]sfu.Consumer),
	}
	r.mu.Lock()
	r.peers[id] = e
	r.mu.Unlock()
	return e
}

func (r *PeerRegistry) Get(id domain.PeerID) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.peers[id]
	return e, ok
}

// Remove deletes the peer record and returns it so the caller can close
// its owned resources. Safe to call more than once; the second call is a
// no-op.
func (r *PeerRegistry) Remove(id domain.PeerID) (*Entry, bool) {
	r.mu.Lock()
	e, ok := r.peers[id]
	if ok {
		delete(r.peers, id)
	}
	r.mu.Unlock()
	return e, ok
}

// CloseOwned closes every transport/producer/consumer the entry owns,
// swallowing individual errors per §7 "close hooks must never raise".
func CloseOwned(e *Entry) {
	transports, producers, consumers := e.owned()
	for _, c := range consumers {
		safeClose(c.Close)
	}
	for _, p := range producers {
		safeClose(p.Close)
	}
	for _, t := range transports {
		safeClose(t.Close)
	}
}

func safeClose(fn func() error) {
	defer func() { _ = recover() }()
	_ = fn()
}
