package publish

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/dobby-dex/dobby/internal/book"
	"github.com/dobby-dex/dobby/internal/oracle"
)

// RedisClient abstracts the Redis operations used by Writer.
// In production this is satisfied by *redis.Client; in tests by a mock.
type RedisClient interface {
	HSet(ctx context.Context, key string, values ...any) error
}

// bookSnapshot holds the last-written best bid/ask for the market so
// duplicate writes can be skipped.
type bookSnapshot struct {
	Bid string
	Ask string
}

// priceSnapshot holds the last-written oracle price per feed.
type priceSnapshot struct {
	Value string
	Conf  string
}

// update is one buffered item awaiting a flush; exactly one field is set.
type update struct {
	view  *book.View
	price *oracle.Price
}

// Writer subscribes to the book poller and the oracle reconciler and
// persists display snapshots into Redis using the schema:
//
//	Key:    book:{market}    Fields: bid, ask, ts
//	Key:    price:{feed}     Fields: value, conf, ts
//
// Writes are non-blocking: updates are buffered in an internal channel and
// flushed by a dedicated goroutine. Duplicate values are suppressed.
type Writer struct {
	client RedisClient
	market string
	feedID func() string

	books  <-chan book.View
	prices <-chan oracle.Price
	buf    chan update

	mu        sync.Mutex
	lastBook  map[string]bookSnapshot
	lastPrice map[string]priceSnapshot

	nowMillis func() int64
}

// NewWriter creates a Writer for one market. feedID is read at write time
// so snapshots follow oracle feed switches.
func NewWriter(client RedisClient, market string, feedID func() string,
	books <-chan book.View, prices <-chan oracle.Price) *Writer {
	return &Writer{
		client:    client,
		market:    market,
		feedID:    feedID,
		books:     books,
		prices:    prices,
		buf:       make(chan update, 1024),
		lastBook:  make(map[string]bookSnapshot),
		lastPrice: make(map[string]priceSnapshot),
		nowMillis: unixMillis,
	}
}

// Run starts the ingestion goroutines and the flusher. It blocks until ctx
// is cancelled.
func (w *Writer) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(3)

	// Ingestion drains both subscriptions into the internal buffer so the
	// pollers are never blocked by slow Redis writes.
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case v, ok := <-w.books:
				if !ok {
					return
				}
				w.enqueue(update{view: &v})
			}
		}
	}()

	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case p, ok := <-w.prices:
				if !ok {
					return
				}
				w.enqueue(update{price: &p})
			}
		}
	}()

	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case u, ok := <-w.buf:
				if !ok {
					return
				}
				w.write(ctx, u)
			}
		}
	}()

	wg.Wait()
}

func (w *Writer) enqueue(u update) {
	select {
	case w.buf <- u:
	default:
		// Buffer full; drop rather than block the producer.
	}
}

func (w *Writer) write(ctx context.Context, u update) {
	switch {
	case u.view != nil:
		w.writeBook(ctx, *u.view)
	case u.price != nil:
		w.writePrice(ctx, *u.price)
	}
}

// writeBook extracts best bid/ask, checks for duplicates, and issues an
// HSET. The view's sides are already sorted best-first.
func (w *Writer) writeBook(ctx context.Context, v book.View) {
	bid, ask := "0", "0"
	if len(v.Bids) > 0 {
		bid = v.Bids[0].Price
	}
	if len(v.Asks) > 0 {
		ask = v.Asks[0].Price
	}

	key := "book:" + w.market

	w.mu.Lock()
	prev, exists := w.lastBook[key]
	if exists && prev.Bid == bid && prev.Ask == ask {
		w.mu.Unlock()
		return
	}
	w.lastBook[key] = bookSnapshot{Bid: bid, Ask: ask}
	w.mu.Unlock()

	ts := strconv.FormatInt(w.nowMillis(), 10)
	w.client.HSet(ctx, key, "bid", bid, "ask", ask, "ts", ts)
}

func (w *Writer) writePrice(ctx context.Context, p oracle.Price) {
	value := p.Value.String()
	conf := p.Conf.String()

	key := "price:" + w.feedID()

	w.mu.Lock()
	prev, exists := w.lastPrice[key]
	if exists && prev.Value == value && prev.Conf == conf {
		w.mu.Unlock()
		return
	}
	w.lastPrice[key] = priceSnapshot{Value: value, Conf: conf}
	w.mu.Unlock()

	ts := strconv.FormatInt(p.PublishTime*1000, 10)
	w.client.HSet(ctx, key, "value", value, "conf", conf, "ts", ts)
}

func unixMillis() int64 {
	return time.Now().UnixMilli()
}
