package sfu

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// Transport is the browser-facing side of the router: one per peer
// connection attempt, created by `createWebRtcTransport` and torn down
// when the peer disconnects. Internally it is pion's ORTC primitive
// trio — ICE gatherer, ICE transport, DTLS transport — rather than a
// full webrtc.PeerConnection, because the signaling action set hands the
// browser raw ICE/DTLS parameters instead of an SDP offer/answer.
type Transport interface {
	ID() string
	Parameters() TransportParameters
	Connect(remote webrtc.DTLSParameters) error
	Produce(kind string, rtpParams RTPParameters) (Producer, error)
	OnClose(fn func())
	Close() error
}

type webrtcTransport struct {
	id       string
	api      *webrtc.API
	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport

	mu        sync.Mutex
	producers map[string]*producer
	onClose   []func()
	closed    bool
}

func newWebRTCTransport(api *webrtc.API, iceServers []webrtc.ICEServer) (*webrtcTransport, error) {
	gatherer, err := api.NewICEGatherer(webrtc.ICEGatherOptions{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("sfu: new ice gatherer: %w", err)
	}
	ice := api.NewICETransport(gatherer)
	dtls, err := api.NewDTLSTransport(ice, nil)
	if err != nil {
		return nil, fmt.Errorf("sfu: new dtls transport: %w", err)
	}

	gatherFinished := make(chan struct{})
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			close(gatherFinished)
		}
	})
	if err := gatherer.Gather(); err != nil {
		return nil, fmt.Errorf("sfu: gather ice candidates: %w", err)
	}
	<-gatherFinished

	return &webrtcTransport{
		id:        uuid.NewString(),
		api:       api,
		gatherer:  gatherer,
		ice:       ice,
		dtls:      dtls,
		producers: make(map[string]*producer),
	}, nil
}

func (t *webrtcTransport) ID() string { return t.id }

func (t *webrtcTransport) Parameters() TransportParameters {
	iceParams, _ := t.gatherer.GetLocalParameters()
	candidates, _ := t.gatherer.GetLocalCandidates()
	dtlsParams, _ := t.dtls.GetLocalParameters()
	return TransportParameters{
		ID:             t.id,
		ICEParameters:  iceParams,
		ICECandidates:  candidates,
		DTLSParameters: dtlsParams,
	}
}

// Connect completes the handshake: starts the ICE transport in the
// controlled role (the router never initiates connectivity checks, the
// browser does) then starts DTLS against the browser's fingerprint.
func (t *webrtcTransport) Connect(remote webrtc.DTLSParameters) error {
	iceParams, err := t.gatherer.GetLocalParameters()
	if err != nil {
		return fmt.Errorf("sfu: local ice parameters: %w", err)
	}
	role := webrtc.ICERoleControlled
	if err := t.ice.Start(t.gatherer, iceParams, &role); err != nil {
		return fmt.Errorf("sfu: start ice transport: %w", err)
	}
	if err := t.dtls.Start(remote); err != nil {
		return fmt.Errorf("sfu: start dtls transport: %w", err)
	}
	return nil
}

func (t *webrtcTransport) Produce(kind string, rtpParams RTPParameters) (Producer, error) {
	codecType := webrtc.RTPCodecTypeAudio
	if kind == "video" {
		codecType = webrtc.RTPCodecTypeVideo
	}
	receiver, err := t.api.NewRTPReceiver(codecType, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("sfu: new rtp receiver: %w", err)
	}

	encodings := make([]webrtc.RTPDecodingParameters, 0, len(rtpParams.Encodings))
	for _, e := range rtpParams.Encodings {
		encodings = append(encodings, webrtc.RTPDecodingParameters{
			RTPCodingParameters: webrtc.RTPCodingParameters{SSRC: webrtc.SSRC(e.SSRC)},
		})
	}
	if err := receiver.Receive(webrtc.RTPReceiveParameters{Encodings: encodings}); err != nil {
		return nil, fmt.Errorf("sfu: receiver.Receive: %w", err)
	}

	p := &producer{
		id:       uuid.NewString(),
		kind:     kind,
		receiver: receiver,
		track:    receiver.Track(),
	}

	t.mu.Lock()
	t.producers[p.id] = p
	t.mu.Unlock()

	p.OnClose(func() {
		t.mu.Lock()
		delete(t.producers, p.id)
		t.mu.Unlock()
	})

	return p, nil
}

func (t *webrtcTransport) OnClose(fn func()) {
	t.mu.Lock()
	t.onClose = append(t.onClose, fn)
	t.mu.Unlock()
}

func (t *webrtcTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	producers := make([]*producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	hooks := t.onClose
	t.mu.Unlock()

	for _, p := range producers {
		_ = p.Close()
	}
	_ = t.dtls.Stop()
	_ = t.ice.Stop()
	_ = t.gatherer.Close()

	for _, fn := range hooks {
		fn()
	}
	return nil
}
