package health

import (
	"context"
	"sync"
	"time"

	"github.com/dobby-dex/dobby/internal/book"
	"github.com/dobby-dex/dobby/internal/oracle"
)

// Source identifies one market data dependency the gate monitors.
type Source string

const (
	SourceBook   Source = "book"
	SourceOracle Source = "oracle"
)

// GateConfig holds tunable parameters for the Gate.
type GateConfig struct {
	// StaleThreshold is the maximum age of a source update before the
	// source is considered stale. Default: 15s, comfortably above the
	// book poll interval.
	StaleThreshold time.Duration

	// CoolOff is the duration of continuous healthy data required after a
	// source recovers before trading is re-enabled. Default: 5s.
	CoolOff time.Duration
}

// DefaultGateConfig returns production-tuned defaults.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		StaleThreshold: 15 * time.Second,
		CoolOff:        5 * time.Second,
	}
}

// sourceState tracks health for a single data source.
type sourceState struct {
	LastUpdate time.Time
	// RecoveredAt is set on an unhealthy-to-healthy transition. Trading
	// stays blocked until the cool-off has elapsed since then.
	RecoveredAt time.Time
	Healthy     bool
}

// Gate blocks order placement while market data cannot be trusted. It
// watches the book poller and the oracle reconciler for freshness and
// enforces:
//   - Data staleness per source
//   - Cool-off period after a source recovers
//   - Manual emergency halt
//
// Gate satisfies the order controller's trading gate.
type Gate struct {
	cfg GateConfig

	mu      sync.RWMutex
	sources map[Source]*sourceState

	haltMu sync.RWMutex
	halted bool

	nowFunc func() time.Time // injectable clock for testing
}

// NewGate creates a Gate with no sources yet. Each watched source must
// report at least one update before CanTrade returns true.
func NewGate(cfg GateConfig) *Gate {
	return &Gate{
		cfg:     cfg,
		sources: make(map[Source]*sourceState),
		nowFunc: time.Now,
	}
}

// Watch registers a source. Until its first update the gate treats the
// source as absent and blocks trading.
func (g *Gate) Watch(src Source) {
	g.mu.Lock()
	if _, ok := g.sources[src]; !ok {
		g.sources[src] = &sourceState{}
	}
	g.mu.Unlock()
}

// ManualHalt blocks trading until Resume is called.
func (g *Gate) ManualHalt() {
	g.haltMu.Lock()
	g.halted = true
	g.haltMu.Unlock()
}

// Resume clears the manual halt. Sources still need to pass staleness and
// cool-off checks before CanTrade returns true.
func (g *Gate) Resume() {
	g.haltMu.Lock()
	g.halted = false
	g.haltMu.Unlock()
}

// CanTrade returns true only if ALL of the following hold:
//  1. No manual halt is active.
//  2. Every watched source has delivered at least one update.
//  3. Every source's last update is within StaleThreshold.
//  4. Every source's cool-off has elapsed since its last recovery.
func (g *Gate) CanTrade() bool {
	g.haltMu.RLock()
	if g.halted {
		g.haltMu.RUnlock()
		return false
	}
	g.haltMu.RUnlock()

	now := g.nowFunc()

	g.mu.RLock()
	defer g.mu.RUnlock()

	if len(g.sources) == 0 {
		return false
	}
	for _, st := range g.sources {
		if st.LastUpdate.IsZero() {
			return false // no data received yet
		}
		if now.Sub(st.LastUpdate) > g.cfg.StaleThreshold {
			return false
		}
		if !st.RecoveredAt.IsZero() && now.Sub(st.RecoveredAt) < g.cfg.CoolOff {
			return false
		}
	}
	return true
}

// RecordUpdate notes a fresh delivery from a source, registering it if
// needed. An unhealthy-to-healthy transition starts the cool-off.
func (g *Gate) RecordUpdate(src Source) {
	now := g.nowFunc()

	g.mu.Lock()
	st, ok := g.sources[src]
	if !ok {
		st = &sourceState{}
		g.sources[src] = st
	}

	wasHealthy := st.Healthy && !st.LastUpdate.IsZero()
	st.LastUpdate = now
	st.Healthy = true
	if !wasHealthy {
		st.RecoveredAt = now
	}
	g.mu.Unlock()
}

// MarkStale forces a source into an unhealthy state so the next update
// starts a fresh cool-off.
func (g *Gate) MarkStale(src Source) {
	g.mu.Lock()
	if st, ok := g.sources[src]; ok {
		st.Healthy = false
	}
	g.mu.Unlock()
}

// Run consumes book and oracle subscriptions, recording each delivery. It
// blocks until ctx is cancelled. Either channel may be nil.
func (g *Gate) Run(ctx context.Context, books <-chan book.View, prices <-chan oracle.Price) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-books:
			if !ok {
				books = nil
				continue
			}
			g.RecordUpdate(SourceBook)
		case _, ok := <-prices:
			if !ok {
				prices = nil
				continue
			}
			g.RecordUpdate(SourceOracle)
		}
	}
}
