package egress

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestPoller_EmitsEachStableSegmentExactlyOnce(t *testing.T) {
	dir := t.TempDir()

	var mu sync.Mutex
	var seen []string
	onSegment := func(path string) {
		mu.Lock()
		seen = append(seen, filepath.Base(path))
		mu.Unlock()
	}

	p := StartPoller(dir, "session-1-", 20, onSegment)
	defer p.Stop()

	writeStableWav(t, dir, "session-1-000.wav")
	writeStableWav(t, dir, "other-session-000.wav") // different prefix, must be ignored

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n >= 1 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	p.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 {
		t.Fatalf("onSegment called %d times, want exactly 1 (got %v)", len(seen), seen)
	}
	if seen[0] != "session-1-000.wav" {
		t.Errorf("onSegment path = %q, want session-1-000.wav", seen[0])
	}
	if _, err := os.Stat(filepath.Join(dir, "session-1-000.wav")); !os.IsNotExist(err) {
		t.Errorf("consumed segment should be removed from the spool dir")
	}
}

func TestPoller_StopBlocksUntilLoopExits(t *testing.T) {
	dir := t.TempDir()
	p := StartPoller(dir, "x-", 10, func(string) {})
	p.Stop()
	p.Stop() // idempotent, must not panic or block forever
}

func writeStableWav(t *testing.T, dir, name string) {
	t.Helper()
	path := filepath.Join(dir, name)
	data := make([]byte, stabilityMinSize+1024)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile(%s) error = %v", path, err)
	}
}
