package book

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Refresher produces a fresh book view. Satisfied by *Aggregator.
type Refresher interface {
	Refresh(ctx context.Context) (View, error)
}

// Poller drives a Refresher on a fixed interval and owns the latest
// applied view. Refresh cycles may overlap in flight; each carries a
// monotonic sequence number and a cycle that finishes after a newer one has
// already been applied is discarded, so the rendered view never moves
// backwards. A failed refresh keeps the previous view.
type Poller struct {
	agg      Refresher
	interval time.Duration
	log      *zap.Logger

	mu      sync.Mutex
	seq     uint64 // last issued refresh sequence
	applied uint64 // sequence of the applied view
	view    View
	hasView bool
	lastErr error

	subMu sync.RWMutex
	subs  []chan View
}

// NewPoller creates a Poller refreshing every interval.
func NewPoller(agg Refresher, interval time.Duration, log *zap.Logger) *Poller {
	return &Poller{agg: agg, interval: interval, log: log}
}

// View returns the latest applied view and whether one exists yet.
func (p *Poller) View() (View, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.view, p.hasView
}

// Err returns the error of the most recent refresh, or nil after a success.
func (p *Poller) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// Subscribe returns a channel receiving every newly applied view. Slow
// consumers have updates dropped rather than blocking the poller.
func (p *Poller) Subscribe() <-chan View {
	ch := make(chan View, 16)
	p.subMu.Lock()
	p.subs = append(p.subs, ch)
	p.subMu.Unlock()
	return ch
}

// Run refreshes immediately and then on every tick until ctx is cancelled.
// Each refresh runs in its own goroutine so a slow cycle never delays the
// next one; the sequence guard keeps ordering correct.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	go p.refreshOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			go p.refreshOnce(ctx)
		}
	}
}

func (p *Poller) refreshOnce(ctx context.Context) {
	p.mu.Lock()
	p.seq++
	seq := p.seq
	p.mu.Unlock()

	view, err := p.agg.Refresh(ctx)

	p.mu.Lock()
	if err != nil {
		// A failure from a cycle older than the applied view is stale and
		// must not resurrect an error a newer success already cleared.
		if ctx.Err() == nil && seq >= p.applied {
			p.lastErr = err
			p.log.Warn("order book refresh failed, keeping previous view", zap.Error(err))
		}
		p.mu.Unlock()
		return
	}
	if seq < p.applied {
		p.mu.Unlock()
		p.log.Debug("discarding superseded refresh result", zap.Uint64("seq", seq))
		return
	}
	p.applied = seq
	p.view = view
	p.hasView = true
	p.lastErr = nil
	p.mu.Unlock()

	p.fanOut(view)
}

// fanOut delivers the view to every subscriber without blocking.
func (p *Poller) fanOut(view View) {
	p.subMu.RLock()
	defer p.subMu.RUnlock()
	for _, ch := range p.subs {
		select {
		case ch <- view:
		default:
		}
	}
}
