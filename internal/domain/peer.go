package domain

// PeerID identifies a signaling-connected participant. Minted by the
// signaling endpoint on connect, analogous to the teacher's SessionID.
type PeerID string

// RoomID identifies a room. Rooms are implicit: they exist exactly as
// long as they have at least one member (see internal/registry).
type RoomID string

// Role is the peer's free-form role tag. The setRole action stores
// whatever string the client sends, and no action checks it. A newly
// registered peer starts as RoleListener.
type Role string

const (
	RolePublisher Role = "publisher"
	RoleListener  Role = "listener"
)

// Peer is the immutable identity snapshot of a registered participant.
// The live, mutable parts of a peer's state — its signaling connection,
// transports, producers, and consumers — are owned by the registry entry
// that wraps this struct, not by Peer itself, so a Peer value is always
// safe to copy and hand out.
type Peer struct {
	ID     PeerID `json:"id"`
	RoomID RoomID `json:"roomId,omitempty"`
	Role   Role   `json:"role"`
}
