package egress

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// newBlockerScript writes a tiny shell script that ignores its argv (the
// fixed gst-launch pipeline string Spawn always builds) and just blocks,
// standing in for a long-running GStreamer process without requiring a
// real GStreamer install in the test environment.
func newBlockerScript(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "blocker.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\nsleep 30\n"), 0o755); err != nil {
		t.Fatalf("WriteFile(blocker script) error = %v", err)
	}
	return path
}

func TestSpawn_TerminateIsIdempotent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h, err := Spawn(ctx, PipelineOptions{
		Bin: newBlockerScript(t), RTPPort: 5000, PayloadType: 111, ClockRate: 48000, Channels: 2,
		JitterLatencyMs: 50, ChunkSeconds: 30, OutputPattern: "/tmp/x-%05d.wav",
		ProducerID: "p1", Attempt: 1,
	})
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}

	if exited, _ := h.Exited(); exited {
		t.Fatalf("Exited() = true immediately after Spawn, want false")
	}

	h.Terminate()
	h.Terminate() // must not panic or block

	select {
	case <-h.exited:
	case <-time.After(2 * time.Second):
		t.Fatalf("process did not report exited within 2s of Terminate()")
	}
}

func TestWaitHealthy_FailsWhenProcessExitsDuringGrace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exiter.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatalf("WriteFile(exiter script) error = %v", err)
	}

	h, err := Spawn(context.Background(), PipelineOptions{
		Bin: path, RTPPort: 5000, PayloadType: 111, ClockRate: 48000, Channels: 2,
		JitterLatencyMs: 50, ChunkSeconds: 30, OutputPattern: "/tmp/x-%05d.wav",
		ProducerID: "p2", Attempt: 1,
	})
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}

	if err := WaitHealthy(h, 200); err == nil {
		t.Fatalf("WaitHealthy() should fail once the process has already exited by the grace deadline")
	}
}
