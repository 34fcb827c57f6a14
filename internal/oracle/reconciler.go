package oracle

import (
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Scale disambiguation constants. The 50x ratio bound and the plausibility
// band encode tuned tolerance for a feed that has historically flapped
// between integer-scaled and pre-scaled representations; keep them as-is.
var (
	ratioBound   = decimal.NewFromInt(50)
	plausibleMin = decimal.RequireFromString("0.0001")
	plausibleMax = decimal.RequireFromString("10000000")
)

// Tick is one raw oracle update for a feed: an integer-scaled value, its
// exponent, a confidence interval at the same scale, and a publish time.
type Tick struct {
	RawValue    string
	Expo        int32
	ConfRaw     string
	PublishTime int64
}

// Price is the trusted reconciled output.
type Price struct {
	Value       decimal.Decimal
	Conf        decimal.Decimal
	PublishTime int64
}

// Reconciler resolves the scale ambiguity of a single oracle feed and owns
// the latest trusted price. Updates that fail the plausibility checks are
// discarded and the prior value retained.
type Reconciler struct {
	log *zap.Logger

	mu      sync.Mutex
	feedID  string
	price   Price
	hasLast bool
	loading bool
	lastErr error

	subMu sync.RWMutex
	subs  []chan Price

	// anchorGap, when set, runs between Apply's anchor read and its
	// commit. Injectable seam for exercising a concurrent SetFeed.
	anchorGap func()
}

// NewReconciler creates a Reconciler anchored to the given feed id.
func NewReconciler(feedID string, log *zap.Logger) *Reconciler {
	return &Reconciler{
		log:     log,
		feedID:  normalizeFeedID(feedID),
		loading: true,
	}
}

// FeedID returns the currently tracked feed id.
func (r *Reconciler) FeedID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.feedID
}

// SetFeed switches to a new feed and clears all reconciliation state so the
// new feed never inherits the previous feed's anchor.
func (r *Reconciler) SetFeed(feedID string) {
	r.mu.Lock()
	r.feedID = normalizeFeedID(feedID)
	r.price = Price{}
	r.hasLast = false
	r.loading = true
	r.lastErr = nil
	r.mu.Unlock()
}

// Price returns the latest trusted price and whether one exists.
func (r *Reconciler) Price() (Price, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.price, r.hasLast
}

// Loading reports whether no update has been accepted since the last feed
// switch.
func (r *Reconciler) Loading() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loading
}

// Err returns the most recent stream or parse error. A non-nil error never
// clears a previously accepted price.
func (r *Reconciler) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// Subscribe returns a channel receiving every accepted price.
func (r *Reconciler) Subscribe() <-chan Price {
	ch := make(chan Price, 16)
	r.subMu.Lock()
	r.subs = append(r.subs, ch)
	r.subMu.Unlock()
	return ch
}

// setErr records a non-fatal delivery error.
func (r *Reconciler) setErr(err error) {
	r.mu.Lock()
	r.lastErr = err
	r.mu.Unlock()
}

// Apply reconciles one raw tick. It returns the accepted price and true,
// or the zero Price and false when the update is rejected as implausible.
func (r *Reconciler) Apply(t Tick) (Price, bool) {
	raw, err := decimal.NewFromString(t.RawValue)
	if err != nil || raw.Sign() <= 0 {
		r.log.Warn("discarding unparseable oracle tick", zap.String("raw", t.RawValue))
		return Price{}, false
	}
	conf, err := decimal.NewFromString(t.ConfRaw)
	if err != nil {
		conf = decimal.Zero
	}

	// Two plausible readings of (raw, expo), each with the shift actually
	// applied so confidence can be rescaled by the same factor.
	defShift, altShift := t.Expo, -t.Expo
	defCand := raw.Shift(defShift)
	altCand := raw.Shift(altShift)

	// A negative exponent with an already-small raw value means the feed
	// delivered a pre-scaled number; shifting it again would bury it.
	if t.Expo < 0 && inBand(raw) && defCand.LessThan(plausibleMin) {
		defShift = 0
		defCand = raw
	}

	r.mu.Lock()
	feed := r.feedID
	last := r.price.Value
	hasLast := r.hasLast
	r.mu.Unlock()

	if r.anchorGap != nil {
		r.anchorGap()
	}

	var shift int32
	var value decimal.Decimal

	if !hasLast {
		// No anchor yet: prefer whichever candidate lands in the human price
		// band, falling back to the default scaling. A wrong but in-band
		// first tick can still anchor incorrectly; see DESIGN.md.
		switch {
		case inBand(defCand):
			shift, value = defShift, defCand
		case inBand(altCand):
			shift, value = altShift, altCand
		default:
			shift, value = defShift, defCand
		}
	} else {
		defRatio := ratio(defCand, last)
		altRatio := ratio(altCand, last)
		defIn := defRatio.LessThanOrEqual(ratioBound)
		altIn := altRatio.LessThanOrEqual(ratioBound)

		switch {
		case defIn && !altIn:
			shift, value = defShift, defCand
		case altIn && !defIn:
			shift, value = altShift, altCand
		case !defIn && !altIn:
			r.log.Warn("rejecting oracle update: both scale candidates implausible",
				zap.String("raw", t.RawValue),
				zap.Int32("expo", t.Expo),
				zap.String("last", last.String()))
			return Price{}, false
		case defRatio.LessThanOrEqual(altRatio):
			shift, value = defShift, defCand
		default:
			shift, value = altShift, altCand
		}
	}

	accepted := Price{
		Value:       value,
		Conf:        conf.Shift(shift),
		PublishTime: t.PublishTime,
	}

	r.mu.Lock()
	if r.feedID != feed {
		// The feed switched while this tick was being reconciled; its
		// anchor belongs to the old feed and must not carry over.
		r.mu.Unlock()
		r.log.Debug("discarding tick reconciled against a switched feed",
			zap.String("anchor_feed", feed))
		return Price{}, false
	}
	r.price = accepted
	r.hasLast = true
	r.loading = false
	r.lastErr = nil
	r.mu.Unlock()

	r.fanOut(accepted)
	return accepted, true
}

func (r *Reconciler) fanOut(p Price) {
	r.subMu.RLock()
	defer r.subMu.RUnlock()
	for _, ch := range r.subs {
		select {
		case ch <- p:
		default:
		}
	}
}

// ratio returns how far apart two positive values are as a factor >= 1.
func ratio(a, b decimal.Decimal) decimal.Decimal {
	if a.Sign() <= 0 || b.Sign() <= 0 {
		return plausibleMax // force out-of-bound
	}
	if a.GreaterThan(b) {
		return a.Div(b)
	}
	return b.Div(a)
}

func inBand(v decimal.Decimal) bool {
	return v.GreaterThanOrEqual(plausibleMin) && v.LessThanOrEqual(plausibleMax)
}

// normalizeFeedID lower-cases a feed id and strips the 0x prefix so pull
// and stream responses compare equal regardless of formatting.
func normalizeFeedID(id string) string {
	return strings.TrimPrefix(strings.ToLower(id), "0x")
}
