package egress

import (
	"time"

	"github.com/egressd/server/internal/domain"
	"github.com/egressd/server/internal/sfu"
)

// State is the egress session state machine (spec §4.G).
type State int

const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Session is the live record for one publisher's egress (spec §3 "Egress
// Session"). Guarded entirely by the Supervisor's lock; Session itself
// holds no lock of its own.
type Session struct {
	RoomID     domain.RoomID
	PeerID     domain.PeerID
	Role       domain.Role
	ProducerID string

	State State
	Attempt int

	PlainTransport sfu.PlainTransport
	Consumer       sfu.Consumer
	Pipeline       *PipelineHandle
	Poller         *Poller

	WavPrefix    string
	RTPPort      int
	RTCPPort     int
	ChunkSeconds int
	PayloadType  uint8
	ClockRate    uint32
	Channels     int

	StartedAt time.Time

	stopOnce bool
}

// Descriptor is the success response for startEgress (spec §4.G).
type Descriptor struct {
	OK           bool          `json:"ok"`
	ProducerID   string        `json:"producerId"`
	RoomID       domain.RoomID `json:"roomId"`
	RTPPort      int           `json:"rtpPort"`
	RTCPPort     int           `json:"rtcpPort"`
	WavPrefix    string        `json:"wavPrefix"`
	ChunkSeconds int           `json:"chunkSeconds"`
	Engine       string        `json:"engine"`
	PayloadType  uint8         `json:"payloadType"`
	Attempt      int           `json:"attempt"`
	AlreadyRunning bool        `json:"alreadyRunning,omitempty"`
}

// StopResult is the response for stopEgress (spec §4.G).
type StopResult struct {
	OK             bool   `json:"ok"`
	ProducerID     string `json:"producerId"`
	AlreadyStopped bool   `json:"alreadyStopped,omitempty"`
}
