package fills

import (
	"context"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/dobby-dex/dobby/internal/ledger"
)

const tokenDecimals = 18

// maxFills bounds how much trade history one refresh retains.
const maxFills = 100

// Fill is one settled trade, ready for display.
type Fill struct {
	Buyer       common.Address
	Seller      common.Address
	Amount      string // human units
	TimestampMs int64  // chain seconds scaled to milliseconds
	TxHash      common.Hash
}

// Tracker rebuilds recent trade history by scanning OrderFilled events over
// a sliding block window behind the chain head. There is no cursor: each
// refresh is a full window scan, so a node that prunes old logs only costs
// history, never correctness.
type Tracker struct {
	filterer ledger.LogFilterer
	clobAddr common.Address
	lookback uint64
	log      *zap.Logger
}

// NewTracker creates a Tracker scanning lookback blocks behind head.
func NewTracker(filterer ledger.LogFilterer, clobAddr common.Address, lookback uint64, log *zap.Logger) *Tracker {
	return &Tracker{filterer: filterer, clobAddr: clobAddr, lookback: lookback, log: log}
}

// Refresh scans the current window and returns up to maxFills trades,
// newest first. Undecodable logs are skipped.
func (t *Tracker) Refresh(ctx context.Context) ([]Fill, error) {
	head, err := t.filterer.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("head block: %w", err)
	}

	from := new(big.Int).Set(head.Number)
	if from.IsUint64() && from.Uint64() > t.lookback {
		from.SetUint64(from.Uint64() - t.lookback)
	} else {
		from.SetUint64(0)
	}

	logs, err := t.filterer.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: from,
		ToBlock:   head.Number,
		Addresses: []common.Address{t.clobAddr},
		Topics:    [][]common.Hash{{ledger.OrderFilledTopic}},
	})
	if err != nil {
		return nil, fmt.Errorf("filter fills: %w", err)
	}

	out := make([]Fill, 0, len(logs))
	for _, lg := range logs {
		fl, err := ledger.ParseOrderFilled(lg)
		if err != nil {
			t.log.Warn("skipping undecodable fill log",
				zap.String("tx", lg.TxHash.Hex()),
				zap.Error(err))
			continue
		}
		out = append(out, Fill{
			Buyer:       fl.Buyer,
			Seller:      fl.Seller,
			Amount:      formatUnits(fl.Amount),
			TimestampMs: int64(fl.Timestamp) * 1000,
			TxHash:      fl.TxHash,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].TimestampMs > out[j].TimestampMs
	})
	if len(out) > maxFills {
		out = out[:maxFills]
	}
	return out, nil
}

func formatUnits(wei *big.Int) string {
	return decimal.NewFromBigInt(wei, -tokenDecimals).String()
}
