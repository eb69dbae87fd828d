package egress

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	stabilityPollInterval = 120 * time.Millisecond
	stabilityMaxWait      = 1200 * time.Millisecond
	stabilityMinSize      = 4096
)

// Poller watches a spool directory for newly-finalized segments
// belonging to one session and emits each exactly once (spec §4.C).
type Poller struct {
	spoolDir string
	prefix   string
	onSegment func(path string)
	interval time.Duration

	mu      sync.Mutex
	seen    map[string]struct{}
	stopCh  chan struct{}
	stopped bool
	wg      sync.WaitGroup
}

// StartPoller begins scanning spoolDir every intervalMs for files named
// "<prefix>*.wav" and invokes onSegment for each new one, exactly once,
// in lexicographic order.
func StartPoller(spoolDir, prefix string, intervalMs int, onSegment func(path string)) *Poller {
	p := &Poller{
		spoolDir:  spoolDir,
		prefix:    prefix,
		onSegment: onSegment,
		interval:  time.Duration(intervalMs) * time.Millisecond,
		seen:      make(map[string]struct{}),
		stopCh:    make(chan struct{}),
	}
	p.wg.Add(1)
	go p.loop()
	return p
}

func (p *Poller) loop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.scanOnce()
		}
	}
}

func (p *Poller) scanOnce() {
	entries, err := os.ReadDir(p.spoolDir)
	if err != nil {
		log.Debug().Str("module", "egress.poller").Str("prefix", p.prefix).Err(err).Msg("scan failed, skipping tick")
		return
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, p.prefix) && strings.HasSuffix(name, ".wav") {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		select {
		case <-p.stopCh:
			return
		default:
		}

		p.mu.Lock()
		_, already := p.seen[name]
		if !already {
			p.seen[name] = struct{}{}
		}
		p.mu.Unlock()
		if already {
			continue
		}

		path := filepath.Join(p.spoolDir, name)
		if !waitStable(path) {
			log.Debug().Str("module", "egress.poller").Str("path", path).Msg("segment never stabilized, skipping")
			continue
		}

		p.onSegment(path)

		if err := os.Remove(path); err != nil {
			log.Debug().Str("module", "egress.poller").Str("path", path).Err(err).Msg("unlink failed")
		}
	}
}

// waitStable samples the file's size every stabilityPollInterval, up to
// stabilityMaxWait, and declares the file stable once the size is both
// >= stabilityMinSize and unchanged between consecutive samples.
func waitStable(path string) bool {
	deadline := time.Now().Add(stabilityMaxWait)
	var lastSize int64 = -1
	for time.Now().Before(deadline) {
		info, err := os.Stat(path)
		if err != nil {
			time.Sleep(stabilityPollInterval)
			continue
		}
		size := info.Size()
		if size >= stabilityMinSize && size == lastSize {
			return true
		}
		lastSize = size
		time.Sleep(stabilityPollInterval)
	}
	return false
}

// Stop cancels the poll timer and blocks until the loop goroutine has
// exited, guaranteeing no further onSegment calls after return
// (spec §5 "Cancellation"). Idempotent.
func (p *Poller) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()
}
