package book

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/dobby-dex/dobby/internal/ledger"
)

// tokenDecimals is the fixed scale of all ledger amounts and prices.
const tokenDecimals = 18

// PriceLevel is one aggregated row of the reconstructed book: every resting
// order at one exact price, summed.
type PriceLevel struct {
	Price     string // human units, e.g. "2450.5"
	Amount    string // sum of all order amounts at this price
	Total     string // price × amount, 2dp
	Timestamp uint64 // latest contributing order
	Count     int    // number of contributing orders
}

// View is one reconstructed order book snapshot. Bids are sorted descending
// and asks ascending by numeric price; at most one level per price string
// per side.
type View struct {
	Bids []PriceLevel
	Asks []PriceLevel
}

// IdentityFunc resolves the connected wallet address, reporting false when
// no wallet is available.
type IdentityFunc func() (common.Address, bool)

// Aggregator reconstructs an order book view from raw on-chain records.
// Refresh is safe to call while a previous call is still outstanding; the
// Poller discards superseded results.
type Aggregator struct {
	clob     *ledger.CLOB
	identity IdentityFunc   // connected signer, may be nil
	fallback common.Address // configured caller identity for reads
	log      *zap.Logger
}

// NewAggregator creates an Aggregator. identity may be nil when no wallet
// is connected; fallback may be the zero address when unconfigured.
func NewAggregator(clob *ledger.CLOB, identity IdentityFunc, fallback common.Address, log *zap.Logger) *Aggregator {
	return &Aggregator{clob: clob, identity: identity, fallback: fallback, log: log}
}

// Refresh polls the ledger and rebuilds the full book view. Per-record
// decode failures are logged and skipped; call-level failures abort the
// refresh with a typed error so the caller keeps its previous view.
func (a *Aggregator) Refresh(ctx context.Context) (View, error) {
	deployed, err := a.clob.Deployed(ctx)
	if err != nil {
		return View{}, fmt.Errorf("pre-flight: %w", err)
	}
	if !deployed {
		return View{}, ledger.ErrNotDeployed
	}

	from, err := a.callerIdentity()
	if err != nil {
		return View{}, err
	}

	// Both sides are fetched concurrently, mirroring the batched read pair.
	var (
		wg      sync.WaitGroup
		buyRaw  [][]byte
		sellRaw [][]byte
		buyErr  error
		sellErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		buyRaw, buyErr = a.clob.BuyOrders(ctx, from)
	}()
	go func() {
		defer wg.Done()
		sellRaw, sellErr = a.clob.SellOrders(ctx, from)
	}()
	wg.Wait()

	if buyErr != nil {
		return View{}, fmt.Errorf("buy side: %w", buyErr)
	}
	if sellErr != nil {
		return View{}, fmt.Errorf("sell side: %w", sellErr)
	}

	return View{
		Bids: a.aggregate(a.decode(buyRaw), true),
		Asks: a.aggregate(a.decode(sellRaw), false),
	}, nil
}

// UserOrders returns the decoded resting orders for one trader.
func (a *Aggregator) UserOrders(ctx context.Context, trader common.Address) ([]ledger.Order, error) {
	from, err := a.callerIdentity()
	if err != nil {
		return nil, err
	}
	raw, err := a.clob.UserOrders(ctx, from, trader)
	if err != nil {
		return nil, err
	}
	return a.decode(raw), nil
}

// callerIdentity picks the connected wallet address, falling back to the
// configured read identity. The ledger rejects reads without a from-address.
func (a *Aggregator) callerIdentity() (common.Address, error) {
	if a.identity != nil {
		if addr, ok := a.identity(); ok {
			return addr, nil
		}
	}
	if a.fallback != (common.Address{}) {
		return a.fallback, nil
	}
	return common.Address{}, ledger.ErrNoCallerIdentity
}

func (a *Aggregator) decode(raw [][]byte) []ledger.Order {
	orders := make([]ledger.Order, 0, len(raw))
	for _, rec := range raw {
		o, err := ledger.DecodeOrder(rec)
		if err != nil {
			a.log.Warn("skipping undecodable order record", zap.Error(err))
			continue
		}
		orders = append(orders, o)
	}
	return orders
}

type levelAccum struct {
	amount    *big.Int
	timestamp uint64
	count     int
}

// aggregate groups orders by exact price string, sums amounts, and stamps
// each level with the newest contributing order.
func (a *Aggregator) aggregate(orders []ledger.Order, isBuy bool) []PriceLevel {
	byPrice := make(map[string]*levelAccum)
	prices := make([]string, 0, len(orders))

	for _, o := range orders {
		price := formatUnits(o.Price)
		acc, ok := byPrice[price]
		if !ok {
			acc = &levelAccum{amount: new(big.Int)}
			byPrice[price] = acc
			prices = append(prices, price)
		}
		acc.amount.Add(acc.amount, o.Amount)
		acc.count++
		if o.Timestamp > acc.timestamp {
			acc.timestamp = o.Timestamp
		}
	}

	levels := make([]PriceLevel, 0, len(prices))
	for _, price := range prices {
		acc := byPrice[price]
		amount := decimal.NewFromBigInt(acc.amount, -tokenDecimals)
		priceDec := decimal.RequireFromString(price)
		levels = append(levels, PriceLevel{
			Price:     price,
			Amount:    amount.String(),
			Total:     priceDec.Mul(amount).StringFixed(2),
			Timestamp: acc.timestamp,
			Count:     acc.count,
		})
	}

	sort.SliceStable(levels, func(i, j int) bool {
		pi := decimal.RequireFromString(levels[i].Price)
		pj := decimal.RequireFromString(levels[j].Price)
		if isBuy {
			return pi.GreaterThan(pj)
		}
		return pi.LessThan(pj)
	})

	return levels
}

// formatUnits converts an 18-decimal wei-scale integer to its human string.
func formatUnits(wei *big.Int) string {
	return decimal.NewFromBigInt(wei, -tokenDecimals).String()
}
