package registry

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/egressd/server/internal/domain"
)

// RoomRegistry maintains peer<->room membership and fans broadcasts out
// to live peers (spec §4.E). Generalizes the teacher's roomImpl +
// RoomManagerImpl pair: rooms are implicit (created on first join,
// garbage-collected on last leave) rather than explicitly provisioned.
type RoomRegistry struct {
	peers *PeerRegistry

	mu    sync.RWMutex
	rooms map[domain.RoomID]map[domain.PeerID]struct{}
}

func NewRoomRegistry(peers *PeerRegistry) *RoomRegistry {
	return &RoomRegistry{peers: peers, rooms: make(map[domain.RoomID]map[domain.PeerID]struct{})}
}

// JoinRoom atomically removes the peer from its prior room (if any,
// deleting it if now empty) and adds it to roomID (creating it if
// absent). Invariant 4: the peer never appears in two rooms at once.
func (r *RoomRegistry) JoinRoom(peerID domain.PeerID, roomID domain.RoomID) {
	r.mu.Lock()
	r.removeFromCurrentLocked(peerID)
	set, ok := r.rooms[roomID]
	if !ok {
		set = make(map[domain.PeerID]struct{})
		r.rooms[roomID] = set
	}
	set[peerID] = struct{}{}
	// setRoom runs while still holding r.mu, so Entry.Snapshot().RoomID
	// can never observe a room the membership map hasn't committed yet
	// (it takes its own, separate lock on Entry, not r.mu).
	if e, ok := r.peers.Get(peerID); ok {
		e.setRoom(roomID)
	}
	r.mu.Unlock()
}

// LeaveRoom removes the peer from whatever room it is in, garbage
// collecting the room if it becomes empty.
func (r *RoomRegistry) LeaveRoom(peerID domain.PeerID) {
	r.mu.Lock()
	r.removeFromCurrentLocked(peerID)
	if e, ok := r.peers.Get(peerID); ok {
		e.setRoom("")
	}
	r.mu.Unlock()
}

func (r *RoomRegistry) removeFromCurrentLocked(peerID domain.PeerID) {
	e, ok := r.peers.Get(peerID)
	if !ok {
		return
	}
	prev := e.Snapshot().RoomID
	if prev == "" {
		return
	}
	set, ok := r.rooms[prev]
	if !ok {
		return
	}
	delete(set, peerID)
	if len(set) == 0 {
		delete(r.rooms, prev)
	}
}

// RoomOf returns the peer's current room, if any.
func (r *RoomRegistry) RoomOf(peerID domain.PeerID) (domain.RoomID, bool) {
	e, ok := r.peers.Get(peerID)
	if !ok {
		return "", false
	}
	room := e.Snapshot().RoomID
	return room, room != ""
}

// MembersOf returns a snapshot of peer ids currently in roomID. Safe to
// iterate without the registry lock held.
func (r *RoomRegistry) MembersOf(roomID domain.RoomID) []domain.PeerID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]domain.PeerID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// Broadcast serializes payload once and writes it to every live peer in
// roomID, swallowing per-peer send errors so a single broken socket
// cannot starve the fanout (invariant/ scenario S6).
func (r *RoomRegistry) Broadcast(roomID domain.RoomID, payload any) {
	buf, err := json.Marshal(payload)
	if err != nil {
		log.Error().Str("module", "registry.room").Err(err).Msg("marshal broadcast payload")
		return
	}
	for _, peerID := range r.MembersOf(roomID) {
		entry, ok := r.peers.Get(peerID)
		if !ok {
			continue
		}
		signal := entry.Signal()
		if signal == nil {
			continue
		}
		if err := signal.TrySend(buf); err != nil {
			log.Debug().Str("module", "registry.room").Str("peer_id", string(peerID)).Err(err).Msg("broadcast send failed")
		}
	}
}
