// Package liveness tracks whether the canonical chain is still advancing and
// how deeply a transaction is buried.
package liveness

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tolelom/wagerchain/events"
	"github.com/tolelom/wagerchain/metrics"
)

// DepthFunc reports how many canonical blocks sit on top of the block
// carrying a transaction, or false when no canonical block carries it.
type DepthFunc func(txID string) (int64, bool)

// Config tunes the monitor.
type Config struct {
	StallTimeout      time.Duration
	ConfirmationDepth int64
	Clock             func() time.Time
	Depth             DepthFunc
	Emitter           *events.Emitter
	Logger            *zap.Logger
	Metrics           *metrics.Metrics
}

// Monitor is safe for concurrent use.
type Monitor struct {
	mu           sync.Mutex
	cfg          Config
	height       int64
	lastProgress time.Time
	stalled      bool // last state reported by Check

	log *zap.Logger
}

// New returns a monitor that counts construction time as the last progress.
func New(cfg Config) *Monitor {
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = 30 * time.Second
	}
	if cfg.ConfirmationDepth <= 0 {
		cfg.ConfirmationDepth = 6
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Depth == nil {
		cfg.Depth = func(string) (int64, bool) { return 0, false }
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(nil)
	}
	m := &Monitor{cfg: cfg, lastProgress: cfg.Clock(), log: cfg.Logger.Named("liveness")}
	m.cfg.Metrics.Live.Set(1)
	return m
}

// SetDepthFunc replaces the depth source. Used when the source is built
// after the monitor.
func (m *Monitor) SetDepthFunc(f DepthFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.Depth = f
}

// RecordProgress notes the canonical height. Only an increase counts as progress.
func (m *Monitor) RecordProgress(height int64) {
	m.mu.Lock()
	if height <= m.height {
		m.mu.Unlock()
		return
	}
	m.height = height
	m.lastProgress = m.cfg.Clock()
	m.mu.Unlock()
	m.Check()
}

// IsLive reports whether the chain advanced within the stall timeout.
func (m *Monitor) IsLive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.liveLocked()
}

func (m *Monitor) liveLocked() bool {
	return m.cfg.Clock().Sub(m.lastProgress) <= m.cfg.StallTimeout
}

// Height returns the last recorded canonical height.
func (m *Monitor) Height() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.height
}

// SinceProgress returns the time since the last height increase.
func (m *Monitor) SinceProgress() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.Clock().Sub(m.lastProgress)
}

// ConfirmationDepth is the depth of txID's block, if canonical.
func (m *Monitor) ConfirmationDepth(txID string) (int64, bool) {
	m.mu.Lock()
	depth := m.cfg.Depth
	m.mu.Unlock()
	return depth(txID)
}

// IsConfirmed reports whether txID is buried at least the configured depth.
func (m *Monitor) IsConfirmed(txID string) bool {
	d, ok := m.ConfirmationDepth(txID)
	return ok && d >= m.cfg.ConfirmationDepth
}

// RequiredDepth returns the configured confirmation depth.
func (m *Monitor) RequiredDepth() int64 { return m.cfg.ConfirmationDepth }

// Check compares the live flag with the last reported one and emits a
// stalled or resumed event on change. It reports the current flag.
func (m *Monitor) Check() bool {
	m.mu.Lock()
	live := m.liveLocked()
	changed := live == m.stalled
	m.stalled = !live
	height := m.height
	since := m.cfg.Clock().Sub(m.lastProgress)
	m.mu.Unlock()

	if !changed {
		return live
	}
	ev := events.Event{BlockHeight: height, Data: map[string]any{"since_progress": since.String()}}
	if live {
		m.cfg.Metrics.Live.Set(1)
		m.log.Info("chain resumed", zap.Int64("height", height))
		ev.Type = events.EventResumed
	} else {
		m.cfg.Metrics.Live.Set(0)
		m.log.Warn("chain stalled", zap.Int64("height", height), zap.Duration("since_progress", since))
		ev.Type = events.EventStalled
	}
	if m.cfg.Emitter != nil {
		m.cfg.Emitter.Emit(ev)
	}
	return live
}

// Run calls Check every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Check()
		}
	}
}
