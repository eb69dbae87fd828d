// Package core holds the narrow interfaces shared across the signaling,
// registry, and egress packages so none of them need to import each
// other's concrete types.
package core

import "github.com/egressd/server/internal/domain"

// Frame is a raw payload written to a signaling channel (always JSON text
// in this system, but kept as bytes so the transport layer never has to
// know about envelope shapes).
type Frame []byte

// SignalConn abstracts a single peer's bidirectional signaling channel.
// Owned by the adapter that created it (the WS controller); the adapter
// must Close it.
type SignalConn interface {
	TrySend(Frame) error
	Close()
}

// Broadcaster fans a JSON-serializable payload out to every peer in a
// room. Implemented by the room registry; consumed by the analysis
// forwarder and the egress supervisor so neither needs the full registry
// surface.
type Broadcaster interface {
	Broadcast(roomID domain.RoomID, payload any)
}
