package oracle

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// errFeedSwitched ends the current stream so it can be reopened for the
// newly requested feed id.
var errFeedSwitched = errors.New("feed id changed")

// Feed ties a Client and a Reconciler together: one initial pull snapshot,
// then a continuous push stream with exponential-backoff reconnection.
// Stream failures are recorded on the Reconciler but never clear an
// already-accepted price.
type Feed struct {
	client *Client
	rec    *Reconciler
	log    *zap.Logger
}

// NewFeed creates a Feed delivering into rec.
func NewFeed(client *Client, rec *Reconciler, log *zap.Logger) *Feed {
	return &Feed{client: client, rec: rec, log: log}
}

// Run blocks until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) {
	f.pullOnce(ctx)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 30 * time.Second

	for {
		feedID := f.rec.FeedID()

		err := f.client.Stream(ctx, feedID, func(entries []Entry) error {
			if f.rec.FeedID() != feedID {
				return errFeedSwitched
			}
			f.apply(entries)
			bo.Reset()
			return nil
		})

		if ctx.Err() != nil {
			return
		}

		if errors.Is(err, errFeedSwitched) {
			// Reconnect immediately with the new id; state was already
			// cleared by SetFeed. Re-anchor from a fresh snapshot.
			f.pullOnce(ctx)
			bo.Reset()
			continue
		}

		f.rec.setErr(err)
		f.log.Warn("oracle stream interrupted, reconnecting", zap.Error(err))

		select {
		case <-ctx.Done():
			return
		case <-time.After(bo.NextBackOff()):
		}
	}
}

func (f *Feed) pullOnce(ctx context.Context) {
	entries, err := f.client.Latest(ctx, f.rec.FeedID())
	if err != nil {
		f.rec.setErr(err)
		f.log.Warn("oracle snapshot fetch failed", zap.Error(err))
		return
	}
	f.apply(entries)
}

func (f *Feed) apply(entries []Entry) {
	entry, ok := SelectEntry(entries, f.rec.FeedID())
	if !ok {
		return
	}
	f.rec.Apply(Tick{
		RawValue:    entry.Price.Price,
		Expo:        entry.Price.Expo,
		ConfRaw:     entry.Price.Conf,
		PublishTime: entry.Price.PublishTime,
	})
}
