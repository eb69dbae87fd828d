package sfu

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Router is the SFU's single entry point: one per process, shared by
// every room. It owns the pion API/SettingEngine configured from the
// orchestrator's port range and announced IP (§6.5 RTC_MIN_PORT,
// RTC_MAX_PORT, ANNOUNCED_IP) and hands out transports on demand.
type Router interface {
	RTPCapabilities() RTPCapabilities
	CreateWebRTCTransport(ctx context.Context) (Transport, error)
	CreatePlainTransport(ctx context.Context, listenIP string) (PlainTransport, error)
}

// Config configures the router's pion API instance.
type Config struct {
	MinPort     uint16
	MaxPort     uint16
	AnnouncedIP string
	ICEServers  []webrtc.ICEServer
}

type router struct {
	api *webrtc.API
	cfg Config
}

// NewRouter builds the router's pion API with an ephemeral UDP port range
// and (optionally) a 1:1 NAT IP advertisement, mirroring the teacher's
// rtc.DefaultWebRTCConfig but generalized to the configured range instead
// of a hardcoded STUN-only setup.
func NewRouter(cfg Config) (Router, error) {
	se := webrtc.SettingEngine{}
	if cfg.MinPort > 0 && cfg.MaxPort > 0 {
		if err := se.SetEphemeralUDPPortRange(cfg.MinPort, cfg.MaxPort); err != nil {
			return nil, fmt.Errorf("sfu: set port range: %w", err)
		}
	}
	if cfg.AnnouncedIP != "" {
		se.SetNAT1To1IPs([]string{cfg.AnnouncedIP}, webrtc.ICECandidateTypeHost)
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("sfu: register codecs: %w", err)
	}

	api := webrtc.NewAPI(webrtc.WithSettingEngine(se), webrtc.WithMediaEngine(m))
	return &router{api: api, cfg: cfg}, nil
}

func (r *router) RTPCapabilities() RTPCapabilities {
	return DefaultOpusCapabilities()
}

func (r *router) CreateWebRTCTransport(ctx context.Context) (Transport, error) {
	return newWebRTCTransport(r.api, r.cfg.ICEServers)
}

func (r *router) CreatePlainTransport(ctx context.Context, listenIP string) (PlainTransport, error) {
	return newPlainTransport(listenIP)
}
