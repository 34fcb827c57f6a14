package mockbook

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// Sentinel validation errors returned by Submit.
var (
	ErrInvalidSide   = errors.New("invalid side")
	ErrMissingFields = errors.New("missing price or amount")
)

// Entry is one resting order in the mock book.
type Entry struct {
	Price     string `json:"price"`
	Amount    string `json:"amount"`
	Timestamp int64  `json:"timestamp"`
	Side      string `json:"side"`
}

// FilledEntry records one completed mock match.
type FilledEntry struct {
	Price     string `json:"price"`
	Amount    string `json:"amount"`
	Timestamp int64  `json:"timestamp"`
	TakerSide string `json:"takerSide"` // side of the incoming order
	MakerSide string `json:"makerSide"`
}

// BookFile is the persisted book shape.
type BookFile struct {
	BuyOrders    []Entry       `json:"buyOrders"`
	SellOrders   []Entry       `json:"sellOrders"`
	FilledOrders []FilledEntry `json:"filledOrders"`
}

// SubmitResult reports what Submit did with an incoming order.
type SubmitResult struct {
	Filled bool
	Entry  Entry       // the appended resting order when not filled
	Fill   FilledEntry // the recorded match when filled
}

// Store is a file-backed order book with price-equality FIFO matching,
// used to exercise the aggregation and matching contract without a ledger.
// All access is read-modify-write under one lock; writes go through a
// temp-file-then-rename so a crash never leaves a partial file.
type Store struct {
	path    string
	mu      sync.Mutex
	nowFunc func() time.Time
}

// NewStore creates a Store persisting to path. The file and its directory
// are created on first access.
func NewStore(path string) *Store {
	return &Store{path: path, nowFunc: time.Now}
}

// Book returns the current persisted book, creating an empty one if the
// file is missing or unreadable.
func (s *Store) Book() (BookFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// Submit matches an incoming order against the book. The earliest resting
// opposite-side order with the identical price string is matched FIFO for
// min(amounts) and removed whole; any remainder on either side is not
// carried over. Without a match the order is appended to its side.
func (s *Store) Submit(side, price, amount string) (SubmitResult, error) {
	if side != "buy" && side != "sell" {
		return SubmitResult{}, ErrInvalidSide
	}
	if price == "" || amount == "" {
		return SubmitResult{}, ErrMissingFields
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.load()
	if err != nil {
		return SubmitResult{}, err
	}

	now := s.nowFunc().UnixMilli()
	incoming := Entry{Price: price, Amount: amount, Timestamp: now, Side: side}

	opposite := &data.SellOrders
	if side == "sell" {
		opposite = &data.BuyOrders
	}

	for i, maker := range *opposite {
		if maker.Price != incoming.Price {
			continue
		}
		*opposite = append((*opposite)[:i], (*opposite)[i+1:]...)
		fill := FilledEntry{
			Price:     incoming.Price,
			Amount:    minAmount(maker.Amount, incoming.Amount),
			Timestamp: now,
			TakerSide: side,
			MakerSide: maker.Side,
		}
		data.FilledOrders = append(data.FilledOrders, fill)
		if err := s.persist(data); err != nil {
			return SubmitResult{}, err
		}
		return SubmitResult{Filled: true, Fill: fill}, nil
	}

	if side == "buy" {
		data.BuyOrders = append(data.BuyOrders, incoming)
	} else {
		data.SellOrders = append(data.SellOrders, incoming)
	}
	if err := s.persist(data); err != nil {
		return SubmitResult{}, err
	}
	return SubmitResult{Filled: false, Entry: incoming}, nil
}

// load reads the book, initializing a fresh file when none exists or the
// contents are unreadable.
func (s *Store) load() (BookFile, error) {
	raw, err := os.ReadFile(s.path)
	if err == nil {
		var data BookFile
		if jerr := json.Unmarshal(raw, &data); jerr == nil {
			if data.BuyOrders == nil {
				data.BuyOrders = []Entry{}
			}
			if data.SellOrders == nil {
				data.SellOrders = []Entry{}
			}
			if data.FilledOrders == nil {
				data.FilledOrders = []FilledEntry{}
			}
			return data, nil
		}
	}

	initial := BookFile{
		BuyOrders:    []Entry{},
		SellOrders:   []Entry{},
		FilledOrders: []FilledEntry{},
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return BookFile{}, fmt.Errorf("create data directory: %w", err)
	}
	if err := s.persist(initial); err != nil {
		return BookFile{}, err
	}
	return initial, nil
}

func (s *Store) persist(data BookFile) error {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode book: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write book: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace book: %w", err)
	}
	return nil
}

// minAmount compares two decimal strings, falling back to the incoming
// amount when either fails to parse.
func minAmount(maker, taker string) string {
	m, merr := decimal.NewFromString(maker)
	t, terr := decimal.NewFromString(taker)
	if merr != nil || terr != nil {
		return taker
	}
	if m.LessThan(t) {
		return maker
	}
	return taker
}
