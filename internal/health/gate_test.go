package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dobby-dex/dobby/internal/book"
	"github.com/dobby-dex/dobby/internal/oracle"
)

// fakeClock provides a controllable time source for tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (fc *fakeClock) Now() time.Time {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.now
}

func (fc *fakeClock) Advance(d time.Duration) {
	fc.mu.Lock()
	fc.now = fc.now.Add(d)
	fc.mu.Unlock()
}

func newTestGate(clock *fakeClock) *Gate {
	g := NewGate(GateConfig{
		StaleThreshold: 10 * time.Second,
		CoolOff:        5 * time.Second,
	})
	g.nowFunc = clock.Now
	g.Watch(SourceBook)
	g.Watch(SourceOracle)
	return g
}

// warmUp delivers one update per source and burns through the initial
// cool-off so tests start from a tradeable state.
func warmUp(clock *fakeClock, g *Gate) {
	g.RecordUpdate(SourceBook)
	g.RecordUpdate(SourceOracle)
	clock.Advance(6 * time.Second)
	g.RecordUpdate(SourceBook)
	g.RecordUpdate(SourceOracle)
}

func TestGateBlocksUntilAllSourcesReport(t *testing.T) {
	clock := newFakeClock(time.Now())
	g := newTestGate(clock)

	if g.CanTrade() {
		t.Fatal("expected CanTrade=false before any data")
	}

	g.RecordUpdate(SourceBook)
	clock.Advance(6 * time.Second)
	g.RecordUpdate(SourceBook)
	if g.CanTrade() {
		t.Fatal("expected CanTrade=false while the oracle has never reported")
	}

	g.RecordUpdate(SourceOracle)
	clock.Advance(6 * time.Second)
	g.RecordUpdate(SourceBook)
	g.RecordUpdate(SourceOracle)
	if !g.CanTrade() {
		t.Fatal("expected CanTrade=true once both sources are fresh")
	}
}

func TestGateStaleData(t *testing.T) {
	clock := newFakeClock(time.Now())
	g := newTestGate(clock)
	warmUp(clock, g)

	if !g.CanTrade() {
		t.Fatal("expected CanTrade=true for fresh data")
	}

	// One stale source is enough to block.
	clock.Advance(11 * time.Second)
	g.RecordUpdate(SourceOracle)
	if g.CanTrade() {
		t.Fatal("expected CanTrade=false when the book is stale")
	}
}

func TestGateCoolOffAfterRecovery(t *testing.T) {
	clock := newFakeClock(time.Now())
	g := newTestGate(clock)
	warmUp(clock, g)

	g.MarkStale(SourceBook)

	clock.Advance(100 * time.Millisecond)
	g.RecordUpdate(SourceBook)
	g.RecordUpdate(SourceOracle)
	if g.CanTrade() {
		t.Fatal("expected CanTrade=false during cool-off after recovery")
	}

	clock.Advance(6 * time.Second)
	g.RecordUpdate(SourceBook)
	g.RecordUpdate(SourceOracle)
	if !g.CanTrade() {
		t.Fatal("expected CanTrade=true after cool-off elapsed with fresh data")
	}
}

func TestGateManualHalt(t *testing.T) {
	clock := newFakeClock(time.Now())
	g := newTestGate(clock)
	warmUp(clock, g)

	if !g.CanTrade() {
		t.Fatal("expected CanTrade=true before halt")
	}

	g.ManualHalt()
	if g.CanTrade() {
		t.Fatal("expected CanTrade=false after ManualHalt")
	}

	g.Resume()
	if !g.CanTrade() {
		t.Fatal("expected CanTrade=true after Resume")
	}
}

func TestGateRunConsumesSubscriptions(t *testing.T) {
	clock := newFakeClock(time.Now())
	g := newTestGate(clock)

	books := make(chan book.View, 4)
	prices := make(chan oracle.Price, 4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		g.Run(ctx, books, prices)
		close(done)
	}()

	books <- book.View{}
	prices <- oracle.Price{}

	deadline := time.After(time.Second)
	for {
		g.mu.RLock()
		seen := !g.sources[SourceBook].LastUpdate.IsZero() &&
			!g.sources[SourceOracle].LastUpdate.IsZero()
		g.mu.RUnlock()
		if seen {
			break
		}
		select {
		case <-deadline:
			t.Fatal("Run never recorded the deliveries")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on context cancellation")
	}
}
