package signaling

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/egressd/server/internal/domain"
	"github.com/egressd/server/internal/egress"
	"github.com/egressd/server/internal/registry"
	"github.com/egressd/server/internal/sfu"
)

// handler is one arm of the closed action union (spec §9 "Dynamic-
// message dispatch": "a tagged variant with per-variant typed input
// structs, dispatched from a single decode site").
type handler func(ctx context.Context, s *session, data json.RawMessage) (any, error)

var actions = map[string]handler{
	"joinRoom":                 handleJoinRoom,
	"setRole":                  handleSetRole,
	"getRouterRtpCapabilities": handleGetRouterRtpCapabilities,
	"createWebRtcTransport":    handleCreateWebRTCTransport,
	"connectTransport":         handleConnectTransport,
	"produce":                  handleProduce,
	"startEgress":              handleStartEgress,
	"stopEgress":               handleStopEgress,
}

const defaultRoomID = domain.RoomID("global")

func handleJoinRoom(ctx context.Context, s *session, data json.RawMessage) (any, error) {
	var in struct {
		RoomID string `json:"roomId"`
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, errBadInput
	}
	if in.RoomID == "" {
		return nil, fmt.Errorf("roomId required")
	}
	s.rooms.JoinRoom(s.peerID, domain.RoomID(in.RoomID))
	return map[string]string{"roomId": in.RoomID}, nil
}

func handleSetRole(ctx context.Context, s *session, data json.RawMessage) (any, error) {
	var in struct {
		Role string `json:"role"`
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, errBadInput
	}
	s.entry.SetRole(domain.Role(in.Role))
	return map[string]string{"role": in.Role}, nil
}

func handleGetRouterRtpCapabilities(ctx context.Context, s *session, _ json.RawMessage) (any, error) {
	return s.router.RTPCapabilities(), nil
}

func handleCreateWebRTCTransport(ctx context.Context, s *session, _ json.RawMessage) (any, error) {
	t, err := s.router.CreateWebRTCTransport(ctx)
	if err != nil {
		return nil, err
	}
	s.entry.AddTransport(t)
	t.OnClose(func() { s.entry.RemoveTransport(t.ID()) })
	return t.Parameters(), nil
}

func handleConnectTransport(ctx context.Context, s *session, data json.RawMessage) (any, error) {
	var in struct {
		TransportID    string                `json:"transportId"`
		DTLSParameters webrtc.DTLSParameters  `json:"dtlsParameters"`
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, errBadInput
	}
	t, ok := s.entry.Transport(in.TransportID)
	if !ok {
		return nil, fmt.Errorf("unknown transport %s", in.TransportID)
	}
	if err := t.Connect(in.DTLSParameters); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}

func handleProduce(ctx context.Context, s *session, data json.RawMessage) (any, error) {
	var in struct {
		TransportID   string            `json:"transportId"`
		Kind          string            `json:"kind"`
		RTPParameters sfu.RTPParameters `json:"rtpParameters"`
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, errBadInput
	}
	t, ok := s.entry.Transport(in.TransportID)
	if !ok {
		return nil, fmt.Errorf("unknown transport %s", in.TransportID)
	}
	p, err := t.Produce(in.Kind, in.RTPParameters)
	if err != nil {
		return nil, err
	}
	s.entry.AddProducer(p)
	p.OnClose(func() { s.entry.RemoveProducer(p.ID()) })

	if s.autoEgress {
		roomID, ok := s.rooms.RoomOf(s.peerID)
		if !ok {
			roomID = defaultRoomID
		}
		role := s.entry.Snapshot().Role
		go func() {
			if _, err := s.egress.StartEgress(context.Background(), roomID, s.peerID, role, p); err != nil {
				log.Warn().Str("module", "signaling").Str("peer_id", string(s.peerID)).Str("producer_id", p.ID()).Err(err).Msg("auto egress failed")
			}
		}()
	}

	return map[string]string{"id": p.ID()}, nil
}

func handleStartEgress(ctx context.Context, s *session, data json.RawMessage) (any, error) {
	var in struct {
		ProducerID string `json:"producerId"`
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, errBadInput
	}
	producer, ok := s.entry.Producer(in.ProducerID)
	if !ok {
		return nil, fmt.Errorf("unknown producer %s", in.ProducerID)
	}
	if producer.Kind() != "audio" {
		return nil, fmt.Errorf("producer %s is not an audio producer", in.ProducerID)
	}

	roomID, ok := s.rooms.RoomOf(s.peerID)
	if !ok {
		roomID = defaultRoomID
	}
	return s.egress.StartEgress(ctx, roomID, s.peerID, s.entry.Snapshot().Role, producer)
}

func handleStopEgress(ctx context.Context, s *session, data json.RawMessage) (any, error) {
	var in struct {
		ProducerID string `json:"producerId"`
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, errBadInput
	}
	return s.egress.StopEgress(in.ProducerID)
}

// session bundles the dependencies a single connection's action handlers
// need. One instance per connected peer.
type session struct {
	peerID     domain.PeerID
	entry      *registry.Entry
	rooms      *registry.RoomRegistry
	router     sfu.Router
	egress     *egress.Supervisor
	autoEgress bool
}

var errBadInput = fmt.Errorf("malformed request data")
