// Package sfu adapts pion/webrtc's low-level ORTC primitives (ICE
// gatherer/transport, DTLS transport, raw RTP sender/receiver) into the
// router/transport/producer/consumer vocabulary the signaling action set
// speaks. The browser-facing side (WebRTC transport, producer) negotiates
// ICE/DTLS directly, the way the teacher's app/sfu package forwards RTP
// between PeerConnections; the egress-facing side (plain transport,
// consumer) has no ICE/DTLS at all — it just writes RTP onto a UDP socket,
// the way mediasoup's PlainTransport does.
package sfu

import "github.com/pion/webrtc/v4"

// RTPCapabilities describes what the router can receive. Kept to a single
// Opus descriptor: this system ingests microphone audio only.
type RTPCapabilities struct {
	Codecs []RTPCodecCapability `json:"codecs"`
}

type RTPCodecCapability struct {
	Kind        string `json:"kind"`
	MimeType    string `json:"mimeType"`
	PayloadType uint8  `json:"preferredPayloadType"`
	ClockRate   uint32 `json:"clockRate"`
	Channels    int    `json:"channels,omitempty"`
}

// DefaultOpusCapabilities is the router's sole advertised codec: Opus at
// 48kHz/2ch, the same values the egress supervisor falls back to when a
// consumer reports no codec (spec §4.G step 5).
func DefaultOpusCapabilities() RTPCapabilities {
	return RTPCapabilities{Codecs: []RTPCodecCapability{{
		Kind:        "audio",
		MimeType:    "audio/opus",
		PayloadType: DefaultOpusPayloadType,
		ClockRate:   DefaultOpusClockRate,
		Channels:    DefaultOpusChannels,
	}}}
}

const (
	DefaultOpusPayloadType uint8  = 111
	DefaultOpusClockRate   uint32 = 48000
	DefaultOpusChannels    int    = 2
)

// TransportParameters is what createWebRtcTransport hands back to the
// browser: everything it needs to mirror the server's ICE/DTLS state and
// attempt connectivity.
type TransportParameters struct {
	ID              string           `json:"id"`
	ICEParameters   webrtc.ICEParameters `json:"iceParameters"`
	ICECandidates   []webrtc.ICECandidate `json:"iceCandidates"`
	DTLSParameters  webrtc.DTLSParameters `json:"dtlsParameters"`
	SCTPParameters  *SCTPParameters  `json:"sctpParameters,omitempty"`
}

// SCTPParameters is always nil in this system (no data channels), kept so
// the wire shape matches the spec's response table exactly.
type SCTPParameters struct {
	Port           int `json:"port"`
	MaxMessageSize int `json:"maxMessageSize"`
}

// RTPParameters is what the browser sends into `produce`: the encoding it
// negotiated for the track it's about to push.
type RTPParameters struct {
	Codecs []RTPCodecCapability `json:"codecs"`
	Encodings []RTPEncoding     `json:"encodings,omitempty"`
}

type RTPEncoding struct {
	SSRC uint32 `json:"ssrc,omitempty"`
}
