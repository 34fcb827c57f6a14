package fills

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Refresher produces a fresh fill history. Satisfied by *Tracker.
type Refresher interface {
	Refresh(ctx context.Context) ([]Fill, error)
}

// Poller drives a Refresher on a fixed interval. Like the book poller,
// overlapping refresh cycles carry monotonic sequence numbers and a stale
// result is discarded; a failed refresh keeps the previous history.
type Poller struct {
	tracker  Refresher
	interval time.Duration
	log      *zap.Logger

	mu      sync.Mutex
	seq     uint64
	applied uint64
	fills   []Fill
	hasView bool
	lastErr error
}

// NewPoller creates a Poller refreshing every interval.
func NewPoller(tracker Refresher, interval time.Duration, log *zap.Logger) *Poller {
	return &Poller{tracker: tracker, interval: interval, log: log}
}

// Fills returns the latest applied history and whether one exists yet.
func (p *Poller) Fills() ([]Fill, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fills, p.hasView
}

// Err returns the error of the most recent refresh, or nil after a success.
func (p *Poller) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// Run refreshes immediately and then on every tick until ctx is cancelled.
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

	fills, err := p.tracker.Refresh(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		// A stale failure must not resurrect an error a newer success
		// already cleared.
		if ctx.Err() == nil && seq >= p.applied {
			p.lastErr = err
			p.log.Warn("fill history refresh failed, keeping previous history", zap.Error(err))
		}
		return
	}
	if seq < p.applied {
		p.log.Debug("discarding superseded fill refresh", zap.Uint64("seq", seq))
		return
	}
	p.applied = seq
	p.fills = fills
	p.hasView = true
	p.lastErr = nil
}
