package egress

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// PipelineOptions configures one invocation of the external transcoder
// (spec §6.4). The argument vector is fixed; only the values below vary.
type PipelineOptions struct {
	Bin             string
	RTPPort         int
	PayloadType     uint8
	ClockRate       uint32
	Channels        int
	JitterLatencyMs int
	ChunkSeconds    int
	OutputPattern   string // "<spoolDir>/<prefix>%05d.wav"
	ProducerID      string
	Attempt         int
}

// PipelineHandle is a live (or recently-terminated) subprocess.
type PipelineHandle struct {
	cmd        *exec.Cmd
	producerID string

	mu         sync.Mutex
	terminated bool
	exited     chan struct{}
	exitErr    error
}

// Spawn starts the external transcoder with the fixed argument vector,
// piping stderr line-by-line into the logger with the producer id and
// attempt number attached (spec §2 row B, §4.B).
func Spawn(ctx context.Context, opts PipelineOptions) (*PipelineHandle, error) {
	bin := opts.Bin
	if bin == "" {
		bin = "gst-launch-1.0"
	}

	pipeline := fmt.Sprintf(
		"udpsrc address=127.0.0.1 port=%d caps=application/x-rtp,media=audio,encoding-name=OPUS,payload=%d,clock-rate=%d,channels=%d "+
			"! rtpjitterbuffer latency=%d drop-on-latency=true "+
			"! rtpopusdepay ! opusdec ! audioconvert ! audioresample "+
			"! audio/x-raw,rate=16000,channels=1 ! queue "+
			"! splitmuxsink muxer=wavenc location=%s max-size-time=%d",
		opts.RTPPort, opts.PayloadType, opts.ClockRate, opts.Channels,
		opts.JitterLatencyMs,
		opts.OutputPattern, int64(opts.ChunkSeconds)*1_000_000_000,
	)

	cmd := exec.CommandContext(ctx, bin, pipeline)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("egress: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("egress: start pipeline: %w", err)
	}

	h := &PipelineHandle{cmd: cmd, producerID: opts.ProducerID, exited: make(chan struct{})}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			log.Debug().
				Str("module", "egress.pipeline").
				Str("producer_id", opts.ProducerID).
				Int("attempt", opts.Attempt).
				Msg(scanner.Text())
		}
	}()

	go func() {
		h.mu.Lock()
		h.exitErr = cmd.Wait()
		h.mu.Unlock()
		close(h.exited)
	}()

	return h, nil
}

// Exited reports whether the process has already terminated, and its
// exit error if so.
func (h *PipelineHandle) Exited() (bool, error) {
	select {
	case <-h.exited:
		h.mu.Lock()
		defer h.mu.Unlock()
		return true, h.exitErr
	default:
		return false, nil
	}
}

// WaitHealthy sleeps graceMs then fails if the process has already
// exited. Best-effort startup gate, not a readiness protocol — the
// external tool has none (spec §4.B).
func WaitHealthy(h *PipelineHandle, graceMs int) error {
	time.Sleep(time.Duration(graceMs) * time.Millisecond)
	if exited, err := h.Exited(); exited {
		return fmt.Errorf("egress: pipeline exited during startup grace: %w", err)
	}
	return nil
}

// Terminate sends an unconditional kill; idempotent (spec §4.B).
func (h *PipelineHandle) Terminate() {
	h.mu.Lock()
	if h.terminated {
		h.mu.Unlock()
		return
	}
	h.terminated = true
	h.mu.Unlock()

	if h.cmd.Process == nil {
		return
	}
	if err := h.cmd.Process.Signal(syscall.SIGKILL); err != nil {
		log.Debug().Str("module", "egress.pipeline").Str("producer_id", h.producerID).Err(err).Msg("terminate: signal failed (already dead?)")
	}
}
