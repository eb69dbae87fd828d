package egress

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rs/zerolog/log"

	"github.com/egressd/server/internal/core"
	"github.com/egressd/server/internal/domain"
	"github.com/egressd/server/internal/forwarder"
	"github.com/egressd/server/internal/sfu"
)

// Supervisor is the Egress Supervisor (spec §4.G, "the core"): per-
// publisher lifecycle management composing the plain receiver, port
// allocation, pipeline subprocess, segment poller, and the analysis
// forwarder, with bounded-retry provisioning and cascading teardown.
type Supervisor struct {
	router      sfu.Router
	forwarder   *forwarder.Forwarder
	broadcaster core.Broadcaster

	gstBin          string
	egressDir       string
	chunkSeconds    int
	watchPollMs     int
	jitterLatencyMs int
	maxRetries      int
	startupGraceMs  int

	mu       sync.Mutex
	sessions map[string]*Session
	inFlight map[string]*inFlightProvision
}

// inFlightProvision lets a second StartEgress call for the same producer
// (e.g. AUTO_EGRESS's async goroutine racing an explicit startEgress)
// wait for the first attempt's outcome instead of observing a half-built
// placeholder session.
type inFlightProvision struct {
	done    chan struct{}
	session *Session
	err     error
}

type Options struct {
	Router          sfu.Router
	Forwarder       *forwarder.Forwarder
	Broadcaster     core.Broadcaster
	GstBin          string
	EgressDir       string
	ChunkSeconds    int
	WatchPollMs     int
	JitterLatencyMs int
	MaxRetries      int
	StartupGraceMs  int
}

func NewSupervisor(opts Options) *Supervisor {
	return &Supervisor{
		router:          opts.Router,
		forwarder:       opts.Forwarder,
		broadcaster:     opts.Broadcaster,
		gstBin:          opts.GstBin,
		egressDir:       opts.EgressDir,
		chunkSeconds:    opts.ChunkSeconds,
		watchPollMs:     opts.WatchPollMs,
		jitterLatencyMs: opts.JitterLatencyMs,
		maxRetries:      opts.MaxRetries,
		startupGraceMs:  opts.StartupGraceMs,
		sessions:        make(map[string]*Session),
		inFlight:        make(map[string]*inFlightProvision),
	}
}

// StartEgress is the startEgress operation (spec §4.G). If a session
// already exists for producer.ID(), it returns success with
// alreadyRunning:true. Otherwise it provisions a working pipeline,
// retrying up to maxRetries times, releasing partial resources between
// attempts.
func (s *Supervisor) StartEgress(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID, role domain.Role, producer sfu.Producer) (*Descriptor, error) {
	producerID := producer.ID()

	s.mu.Lock()
	if existing, ok := s.sessions[producerID]; ok {
		d := descriptorFrom(existing)
		d.AlreadyRunning = true
		s.mu.Unlock()
		return d, nil
	}
	if inf, ok := s.inFlight[producerID]; ok {
		s.mu.Unlock()
		<-inf.done
		if inf.err != nil {
			return nil, inf.err
		}
		d := descriptorFrom(inf.session)
		d.AlreadyRunning = true
		return d, nil
	}
	inf := &inFlightProvision{done: make(chan struct{})}
	s.inFlight[producerID] = inf
	s.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		session, err := s.provision(ctx, roomID, peerID, role, producer, attempt)
		if err != nil {
			lastErr = err
			log.Warn().
				Str("module", "egress.supervisor").
				Str("producer_id", producerID).
				Int("attempt", attempt).
				Err(err).
				Msg("egress provisioning attempt failed, retrying")
			continue
		}

		session.State = StateRunning
		s.mu.Lock()
		s.sessions[producerID] = session
		delete(s.inFlight, producerID)
		s.mu.Unlock()

		inf.session = session
		close(inf.done)

		s.attachCloseHooks(producer, session.Consumer)

		return descriptorFrom(session), nil
	}

	finalErr := fmt.Errorf("egress: exhausted %d attempts for producer %s: %w", s.maxRetries, producerID, lastErr)

	s.mu.Lock()
	delete(s.inFlight, producerID)
	s.mu.Unlock()

	inf.err = finalErr
	close(inf.done)

	return nil, finalErr
}

// provision performs construction steps 1-6 of §4.G for a single
// attempt, cleaning up everything it built if any step fails.
func (s *Supervisor) provision(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID, role domain.Role, producer sfu.Producer, attempt int) (*Session, error) {
	pt := sfu.PlainTransport(nil)
	var pipeline *PipelineHandle

	fail := func(err error) (*Session, error) {
		if pipeline != nil {
			pipeline.Terminate()
		}
		if pt != nil {
			_ = pt.Close()
		}
		return nil, err
	}

	pt, err := s.router.CreatePlainTransport(ctx, "127.0.0.1")
	if err != nil {
		return fail(fmt.Errorf("create plain transport: %w", err))
	}

	rtpPort, err := AllocatePort("127.0.0.1")
	if err != nil {
		return fail(fmt.Errorf("allocate rtp port: %w", err))
	}
	rtcpPort, err := AllocatePort("127.0.0.1")
	if err != nil {
		return fail(fmt.Errorf("allocate rtcp port: %w", err))
	}

	if err := pt.Connect("127.0.0.1", rtpPort, rtcpPort); err != nil {
		return fail(fmt.Errorf("connect plain transport: %w", err))
	}

	consumer, err := pt.Consume(producer)
	if err != nil {
		return fail(fmt.Errorf("create consumer: %w", err))
	}
	if err := consumer.Resume(); err != nil {
		return fail(fmt.Errorf("resume consumer: %w", err))
	}

	payloadType, clockRate, channels := consumer.PayloadType(), consumer.ClockRate(), consumer.Channels()
	if payloadType == 0 && clockRate == 0 {
		payloadType, clockRate, channels = sfu.DefaultOpusPayloadType, sfu.DefaultOpusClockRate, sfu.DefaultOpusChannels
	}

	prefix := fmt.Sprintf("room_%s_prod_%s_", roomID, producer.ID())
	outputPattern := filepath.Join(s.egressDir, prefix+"%05d.wav")

	pipeline, err = Spawn(ctx, PipelineOptions{
		Bin:             s.gstBin,
		RTPPort:         rtpPort,
		PayloadType:     payloadType,
		ClockRate:       clockRate,
		Channels:        channels,
		JitterLatencyMs: s.jitterLatencyMs,
		ChunkSeconds:    s.chunkSeconds,
		OutputPattern:   outputPattern,
		ProducerID:      producer.ID(),
		Attempt:         attempt,
	})
	if err != nil {
		return fail(fmt.Errorf("spawn pipeline: %w", err))
	}

	if err := WaitHealthy(pipeline, s.startupGraceMs); err != nil {
		return fail(fmt.Errorf("pipeline failed health gate: %w", err))
	}

	session := &Session{
		RoomID:         roomID,
		PeerID:         peerID,
		Role:           role,
		ProducerID:     producer.ID(),
		Attempt:        attempt,
		PlainTransport: pt,
		Consumer:       consumer,
		Pipeline:       pipeline,
		WavPrefix:      prefix,
		RTPPort:        rtpPort,
		RTCPPort:       rtcpPort,
		ChunkSeconds:   s.chunkSeconds,
		PayloadType:    payloadType,
		ClockRate:      clockRate,
		Channels:       channels,
		StartedAt:      time.Now(),
	}

	session.Poller = StartPoller(s.egressDir, prefix, s.watchPollMs, func(path string) {
		s.onSegment(session, path, role)
	})

	return session, nil
}

// onSegment implements §4.G step 7: forward the stabilized segment to
// the analysis service and broadcast the outcome.
func (s *Supervisor) onSegment(session *Session, path string, role domain.Role) {
	file, err := os.Open(path)
	if err != nil {
		log.Warn().Str("module", "egress.supervisor").Str("path", path).Err(err).Msg("open segment failed")
		return
	}
	defer file.Close()

	now := time.Now()
	fields := forwarder.Fields{
		RoomID:      string(session.RoomID),
		Seq:         strconv.FormatInt(now.UnixMilli(), 10),
		Timestamp:   strconv.FormatInt(now.UnixMilli(), 10),
		ContextHint: fmt.Sprintf("egress peer=%s producer=%s role=%s", session.PeerID, session.ProducerID, role),
	}

	ctx := context.Background()
	if _, err := s.forwarder.ForwardAndBroadcast(ctx, file, filepath.Base(path), fields, session.RoomID, s.broadcaster); err != nil {
		log.Warn().Str("module", "egress.supervisor").Str("producer_id", session.ProducerID).Str("path", path).Err(err).Msg("segment forward failed")
	}
}

// attachCloseHooks wires producer close and consumer transport-close
// events to a single idempotent stopEgress call (spec §4.G "Close
// hooks", §9 "cyclic references" — the hook captures only the producer
// id, not the session, to keep teardown double-close safe).
func (s *Supervisor) attachCloseHooks(producer sfu.Producer, consumer sfu.Consumer) {
	producerID := producer.ID()
	producer.OnClose(func() {
		if _, err := s.StopEgress(producerID); err != nil {
			log.Debug().Str("module", "egress.supervisor").Str("producer_id", producerID).Err(err).Msg("stopEgress on producer close")
		}
	})
	consumer.OnTransportClose(func() {
		if _, err := s.StopEgress(producerID); err != nil {
			log.Debug().Str("module", "egress.supervisor").Str("producer_id", producerID).Err(err).Msg("stopEgress on transport close")
		}
	})
}

// StopEgress tears down the named session (spec §4.G, invariants 1-2).
// Idempotent: the first call releases every resource and returns
// {ok}; every subsequent call returns {ok, alreadyStopped:true} without
// touching anything.
func (s *Supervisor) StopEgress(producerID string) (*StopResult, error) {
	s.mu.Lock()
	session, ok := s.sessions[producerID]
	if !ok {
		s.mu.Unlock()
		return &StopResult{OK: true, ProducerID: producerID, AlreadyStopped: true}, nil
	}
	if session.stopOnce {
		s.mu.Unlock()
		return &StopResult{OK: true, ProducerID: producerID, AlreadyStopped: true}, nil
	}
	session.stopOnce = true
	session.State = StateStopping
	delete(s.sessions, producerID)
	s.mu.Unlock()

	s.teardown(session)

	s.mu.Lock()
	session.State = StateStopped
	s.mu.Unlock()
	return &StopResult{OK: true, ProducerID: producerID}, nil
}

// teardown releases poller, subprocess, consumer, and plain receiver,
// each in its own goroutine behind safeRun, so a failure in one release
// never prevents the others (invariant 1). The releases run concurrently;
// they are not ordered against each other, so reverse acquisition order
// is not guaranteed.
func (s *Supervisor) teardown(session *Session) {
	var g errgroup.Group
	if session.Poller != nil {
		g.Go(func() error { safeRun(session.Poller.Stop); return nil })
	}
	if session.Pipeline != nil {
		g.Go(func() error { safeRun(session.Pipeline.Terminate); return nil })
	}
	if session.Consumer != nil {
		g.Go(func() error { safeRun(func() { _ = session.Consumer.Close() }); return nil })
	}
	if session.PlainTransport != nil {
		g.Go(func() error { safeRun(func() { _ = session.PlainTransport.Close() }); return nil })
	}
	_ = g.Wait()
}

func safeRun(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Str("module", "egress.supervisor").Interface("panic", r).Msg("resource release panicked, continuing teardown")
		}
	}()
	fn()
}

func descriptorFrom(s *Session) *Descriptor {
	return &Descriptor{
		OK:           true,
		ProducerID:   s.ProducerID,
		RoomID:       s.RoomID,
		RTPPort:      s.RTPPort,
		RTCPPort:     s.RTCPPort,
		WavPrefix:    s.WavPrefix,
		ChunkSeconds: s.ChunkSeconds,
		Engine:       "gstreamer",
		PayloadType:  s.PayloadType,
		Attempt:      s.Attempt,
	}
}

// StopAll tears down every session owned by peerID (spec §4.F "On
// disconnect: stop every egress session owned by the peer").
func (s *Supervisor) StopAll(peerID domain.PeerID) {
	s.mu.Lock()
	var producerIDs []string
	for id, session := range s.sessions {
		if session.PeerID == peerID {
			producerIDs = append(producerIDs, id)
		}
	}
	s.mu.Unlock()

	for _, id := range producerIDs {
		_, _ = s.StopEgress(id)
	}
}
