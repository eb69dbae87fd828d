package egress

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/egressd/server/internal/domain"
	"github.com/egressd/server/internal/sfu"
)

// fakeProducer is a minimal sfu.Producer: enough to drive close-hook
// wiring without a real pion RTP receiver.
type fakeProducer struct {
	id   string
	kind string

	mu      sync.Mutex
	hooks   []func()
	closed  bool
}

func (p *fakeProducer) ID() string                       { return p.id }
func (p *fakeProducer) Kind() string                      { return p.kind }
func (p *fakeProducer) Track() *webrtc.TrackRemote        { return nil }
func (p *fakeProducer) OnClose(fn func()) {
	p.mu.Lock()
	p.hooks = append(p.hooks, fn)
	p.mu.Unlock()
}
func (p *fakeProducer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	hooks := p.hooks
	p.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
	return nil
}

// fakeConsumer is a minimal sfu.Consumer with controllable failure points.
type fakeConsumer struct {
	id          string
	producerID  string
	payloadType uint8
	clockRate   uint32
	channels    int
	resumeErr   error
	closePanics bool

	mu     sync.Mutex
	closed int
	hooks  []func()
}

func (c *fakeConsumer) ID() string          { return c.id }
func (c *fakeConsumer) ProducerID() string  { return c.producerID }
func (c *fakeConsumer) PayloadType() uint8  { return c.payloadType }
func (c *fakeConsumer) ClockRate() uint32   { return c.clockRate }
func (c *fakeConsumer) Channels() int       { return c.channels }
func (c *fakeConsumer) Resume() error       { return c.resumeErr }
func (c *fakeConsumer) OnTransportClose(fn func()) {
	c.mu.Lock()
	c.hooks = append(c.hooks, fn)
	c.mu.Unlock()
}
func (c *fakeConsumer) Close() error {
	c.mu.Lock()
	c.closed++
	c.mu.Unlock()
	if c.closePanics {
		panic("simulated consumer close panic")
	}
	return nil
}
func (c *fakeConsumer) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakePlainTransport is a minimal sfu.PlainTransport with controllable
// failure points for Connect/Consume, and a close counter.
type fakePlainTransport struct {
	id         string
	connectErr error
	consumeErr error
	consumer   sfu.Consumer

	mu     sync.Mutex
	closed int
}

func (t *fakePlainTransport) ID() string { return t.id }
func (t *fakePlainTransport) Connect(host string, rtpPort, rtcpPort int) error {
	return t.connectErr
}
func (t *fakePlainTransport) Consume(producer sfu.Producer) (sfu.Consumer, error) {
	if t.consumeErr != nil {
		return nil, t.consumeErr
	}
	return t.consumer, nil
}
func (t *fakePlainTransport) Close() error {
	t.mu.Lock()
	t.closed++
	t.mu.Unlock()
	return nil
}
func (t *fakePlainTransport) closeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// fakeRouter drives sfu.Router with a configurable number of
// CreatePlainTransport failures before it starts succeeding, so tests can
// exercise the bounded-retry loop in StartEgress.
type fakeRouter struct {
	mu        sync.Mutex
	calls     int
	failUntil int // CreatePlainTransport fails for calls 1..failUntil
	newPT     func(attempt int) sfu.PlainTransport
	gate      chan struct{} // if non-nil, CreatePlainTransport blocks on it
	started   chan struct{} // if non-nil, closed right before blocking on gate
}

func (r *fakeRouter) CreatePlainTransport(ctx context.Context, listenIP string) (sfu.PlainTransport, error) {
	r.mu.Lock()
	r.calls++
	attempt := r.calls
	r.mu.Unlock()

	if r.started != nil {
		select {
		case <-r.started:
		default:
			close(r.started)
		}
	}
	if r.gate != nil {
		<-r.gate
	}

	if attempt <= r.failUntil {
		return nil, fmt.Errorf("fake: transient failure on attempt %d", attempt)
	}
	return r.newPT(attempt), nil
}

func (r *fakeRouter) CreateWebRTCTransport(ctx context.Context) (sfu.Transport, error) {
	return nil, fmt.Errorf("fake: not implemented")
}

func (r *fakeRouter) RTPCapabilities() sfu.RTPCapabilities { return sfu.DefaultOpusCapabilities() }

func newTestSupervisor(t *testing.T, router sfu.Router) *Supervisor {
	t.Helper()
	return NewSupervisor(Options{
		Router:         router,
		GstBin:         newBlockerScript(t),
		EgressDir:      t.TempDir(),
		ChunkSeconds:   30,
		WatchPollMs:    50,
		JitterLatencyMs: 50,
		MaxRetries:     3,
		StartupGraceMs: 50,
	})
}

// TestStartEgress_RetriesUntilSuccess covers scenario S3: the first two
// attempts fail at plain-transport creation, the third succeeds, and the
// returned descriptor reports attempt 3.
func TestStartEgress_RetriesUntilSuccess(t *testing.T) {
	router := &fakeRouter{
		failUntil: 2,
		newPT: func(attempt int) sfu.PlainTransport {
			return &fakePlainTransport{
				id: fmt.Sprintf("pt-%d", attempt),
				consumer: &fakeConsumer{id: "c1", producerID: "p1"},
			}
		},
	}
	sup := newTestSupervisor(t, router)
	producer := &fakeProducer{id: "p1", kind: "audio"}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	desc, err := sup.StartEgress(ctx, domain.RoomID("room-a"), domain.PeerID("peer-1"), domain.RolePublisher, producer)
	if err != nil {
		t.Fatalf("StartEgress() error = %v", err)
	}
	if desc.Attempt != 3 {
		t.Fatalf("Attempt = %d, want 3 after two failures", desc.Attempt)
	}
	if !desc.OK {
		t.Fatalf("Descriptor.OK = false, want true")
	}

	if _, err := sup.StopEgress(producer.ID()); err != nil {
		t.Fatalf("StopEgress() cleanup error = %v", err)
	}
}

// TestStartEgress_ExhaustsRetries covers the failure side of S3: when
// every attempt fails, StartEgress returns an error and leaves no trace
// in either the session table or the in-flight table.
func TestStartEgress_ExhaustsRetries(t *testing.T) {
	router := &fakeRouter{failUntil: 100}
	sup := newTestSupervisor(t, router)
	producer := &fakeProducer{id: "p1", kind: "audio"}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := sup.StartEgress(ctx, domain.RoomID("room-a"), domain.PeerID("peer-1"), domain.RolePublisher, producer)
	if err == nil {
		t.Fatalf("StartEgress() should fail when every attempt fails")
	}

	sup.mu.Lock()
	_, inSessions := sup.sessions[producer.ID()]
	_, inFlight := sup.inFlight[producer.ID()]
	sup.mu.Unlock()
	if inSessions {
		t.Errorf("a failed producer must not be left in the session table")
	}
	if inFlight {
		t.Errorf("a failed producer must not be left in the in-flight table")
	}
}

// TestStartEgress_ConcurrentCallsShareResult reproduces AUTO_EGRESS's async
// goroutine racing an explicit startEgress call for the same producer: the
// second caller must wait for the first attempt's outcome and get back the
// real descriptor, not a half-built placeholder.
func TestStartEgress_ConcurrentCallsShareResult(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{})
	router := &fakeRouter{
		gate:    gate,
		started: started,
		newPT: func(attempt int) sfu.PlainTransport {
			return &fakePlainTransport{
				id:       "pt-1",
				consumer: &fakeConsumer{id: "c1", producerID: "p1"},
			}
		},
	}
	sup := newTestSupervisor(t, router)
	producer := &fakeProducer{id: "p1", kind: "audio"}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type result struct {
		desc *Descriptor
		err  error
	}
	results := make(chan result, 2)

	go func() {
		d, err := sup.StartEgress(ctx, domain.RoomID("room-a"), domain.PeerID("peer-1"), domain.RolePublisher, producer)
		results <- result{d, err}
	}()

	<-started // first call is inside CreatePlainTransport, blocked on gate

	go func() {
		d, err := sup.StartEgress(ctx, domain.RoomID("room-a"), domain.PeerID("peer-1"), domain.RolePublisher, producer)
		results <- result{d, err}
	}()

	time.Sleep(50 * time.Millisecond) // give the second call time to join the in-flight wait
	close(gate)

	first := <-results
	second := <-results
	if first.err != nil || second.err != nil {
		t.Fatalf("StartEgress() errors = %v, %v", first.err, second.err)
	}
	if first.desc.RTPPort == 0 || second.desc.RTPPort == 0 {
		t.Fatalf("both callers should see a fully provisioned descriptor, got %+v and %+v", first.desc, second.desc)
	}
	if first.desc.RTPPort != second.desc.RTPPort || first.desc.WavPrefix != second.desc.WavPrefix {
		t.Fatalf("both callers should describe the same session, got %+v and %+v", first.desc, second.desc)
	}

	sup.StopEgress(producer.ID())
}

// TestTeardown_ReleasesAllResourcesEvenWhenOneFails is invariant 1: fault-
// inject the consumer's release (panic) and assert the poller, pipeline,
// and plain transport still release.
func TestTeardown_ReleasesAllResourcesEvenWhenOneFails(t *testing.T) {
	sup := newTestSupervisor(t, &fakeRouter{})

	pipeline, err := Spawn(context.Background(), PipelineOptions{
		Bin: sup.gstBin, RTPPort: 5000, PayloadType: 111, ClockRate: 48000, Channels: 2,
		JitterLatencyMs: 50, ChunkSeconds: 30, OutputPattern: "/tmp/x-%05d.wav",
		ProducerID: "p1", Attempt: 1,
	})
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}

	poller := StartPoller(t.TempDir(), "prefix-", 50, func(string) {})

	consumer := &fakeConsumer{id: "c1", producerID: "p1", closePanics: true}
	pt := &fakePlainTransport{id: "pt-1"}

	session := &Session{
		ProducerID:     "p1",
		PlainTransport: pt,
		Consumer:       consumer,
		Pipeline:       pipeline,
		Poller:         poller,
	}

	sup.teardown(session)

	if consumer.closeCount() != 1 {
		t.Errorf("consumer.Close() called %d times, want 1 even though it panicked", consumer.closeCount())
	}
	if pt.closeCount() != 1 {
		t.Errorf("plain transport Close() was not called after the consumer's release panicked")
	}
	if !poller.stopped {
		t.Errorf("poller was not stopped after the consumer's release panicked")
	}
	// Terminate only sends the kill signal; the exit is observed asynchronously.
	select {
	case <-pipeline.exited:
	case <-time.After(2 * time.Second):
		t.Errorf("pipeline was not terminated after the consumer's release panicked")
	}
}

// TestStopEgress_Idempotent is invariant 2: a second stopEgress call for
// the same producer must report alreadyStopped and must not release
// anything a second time.
func TestStopEgress_Idempotent(t *testing.T) {
	consumer := &fakeConsumer{id: "c1", producerID: "p1"}
	pt := &fakePlainTransport{id: "pt-1", consumer: consumer}
	router := &fakeRouter{newPT: func(attempt int) sfu.PlainTransport { return pt }}
	sup := newTestSupervisor(t, router)
	producer := &fakeProducer{id: "p1", kind: "audio"}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := sup.StartEgress(ctx, domain.RoomID("room-a"), domain.PeerID("peer-1"), domain.RolePublisher, producer); err != nil {
		t.Fatalf("StartEgress() error = %v", err)
	}

	first, err := sup.StopEgress(producer.ID())
	if err != nil {
		t.Fatalf("first StopEgress() error = %v", err)
	}
	if first.AlreadyStopped {
		t.Errorf("first StopEgress() should not report alreadyStopped")
	}

	second, err := sup.StopEgress(producer.ID())
	if err != nil {
		t.Fatalf("second StopEgress() error = %v", err)
	}
	if !second.AlreadyStopped {
		t.Errorf("second StopEgress() should report alreadyStopped")
	}

	if consumer.closeCount() != 1 {
		t.Errorf("consumer.Close() called %d times, want exactly 1 across both StopEgress calls", consumer.closeCount())
	}
	if pt.closeCount() != 1 {
		t.Errorf("plain transport Close() called %d times, want exactly 1 across both StopEgress calls", pt.closeCount())
	}
}

// TestStopAll_OnlyStopsSessionsOwnedByPeer covers the disconnect-teardown
// scenario (S4/S5): disconnecting one peer must not touch another peer's
// running egress session.
func TestStopAll_OnlyStopsSessionsOwnedByPeer(t *testing.T) {
	consumerA := &fakeConsumer{id: "cA", producerID: "pA"}
	consumerB := &fakeConsumer{id: "cB", producerID: "pB"}
	ptA := &fakePlainTransport{id: "ptA", consumer: consumerA}
	ptB := &fakePlainTransport{id: "ptB", consumer: consumerB}

	calls := 0
	router := &fakeRouter{newPT: func(attempt int) sfu.PlainTransport {
		calls++
		if calls == 1 {
			return ptA
		}
		return ptB
	}}
	sup := newTestSupervisor(t, router)

	producerA := &fakeProducer{id: "pA", kind: "audio"}
	producerB := &fakeProducer{id: "pB", kind: "audio"}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := sup.StartEgress(ctx, domain.RoomID("room-a"), domain.PeerID("peer-A"), domain.RolePublisher, producerA); err != nil {
		t.Fatalf("StartEgress(A) error = %v", err)
	}
	if _, err := sup.StartEgress(ctx, domain.RoomID("room-a"), domain.PeerID("peer-B"), domain.RolePublisher, producerB); err != nil {
		t.Fatalf("StartEgress(B) error = %v", err)
	}

	sup.StopAll(domain.PeerID("peer-A"))

	sup.mu.Lock()
	_, aStillRunning := sup.sessions[producerA.ID()]
	_, bStillRunning := sup.sessions[producerB.ID()]
	sup.mu.Unlock()

	if aStillRunning {
		t.Errorf("producer A's session should have been stopped by StopAll(peer-A)")
	}
	if !bStillRunning {
		t.Errorf("producer B's session should be untouched by StopAll(peer-A)")
	}

	sup.StopAll(domain.PeerID("peer-B"))
}
