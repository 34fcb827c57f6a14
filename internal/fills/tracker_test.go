package fills

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/dobby-dex/dobby/internal/ledger"
)

var (
	clobAddr = common.HexToAddress("0x00000000000000000000000000000000000c10b0")
	buyer    = common.HexToAddress("0x1111111111111111111111111111111111111111")
	seller   = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

type mockFilterer struct {
	head      *big.Int
	headErr   error
	logs      []types.Log
	logsErr   error
	lastQuery ethereum.FilterQuery
}

func (m *mockFilterer) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	if m.headErr != nil {
		return nil, m.headErr
	}
	return &types.Header{Number: new(big.Int).Set(m.head)}, nil
}

func (m *mockFilterer) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	m.lastQuery = q
	if m.logsErr != nil {
		return nil, m.logsErr
	}
	return m.logs, nil
}

func packFillData(t *testing.T, amount *big.Int, ts uint64) []byte {
	t.Helper()
	uint256, err := abi.NewType("uint256", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	args := abi.Arguments{{Type: uint256}, {Type: uint256}}
	data, err := args.Pack(amount, new(big.Int).SetUint64(ts))
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func fillLog(t *testing.T, amount *big.Int, ts uint64, txSeed byte) types.Log {
	t.Helper()
	return types.Log{
		Address: clobAddr,
		Topics: []common.Hash{
			ledger.OrderFilledTopic,
			common.BytesToHash(buyer.Bytes()),
			common.BytesToHash(seller.Bytes()),
		},
		Data:   packFillData(t, amount, ts),
		TxHash: common.BytesToHash([]byte{txSeed}),
	}
}

func wei(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

func TestRefreshDecodesAndFormats(t *testing.T) {
	f := &mockFilterer{head: big.NewInt(10000)}
	f.logs = []types.Log{fillLog(t, wei(5), 1700000000, 1)}

	tr := NewTracker(f, clobAddr, 5000, zap.NewNop())
	fills, err := tr.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if len(fills) != 1 {
		t.Fatalf("want 1 fill, got %d", len(fills))
	}
	fl := fills[0]
	if fl.Buyer != buyer || fl.Seller != seller {
		t.Errorf("parties: %s / %s", fl.Buyer, fl.Seller)
	}
	if fl.Amount != "5" {
		t.Errorf("amount: want 5, got %s", fl.Amount)
	}
	if fl.TimestampMs != 1700000000000 {
		t.Errorf("timestamp: want 1700000000000, got %d", fl.TimestampMs)
	}
}

func TestRefreshWindowBounds(t *testing.T) {
	f := &mockFilterer{head: big.NewInt(10000)}
	tr := NewTracker(f, clobAddr, 4000, zap.NewNop())

	if _, err := tr.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	q := f.lastQuery
	if q.FromBlock.Int64() != 6000 || q.ToBlock.Int64() != 10000 {
		t.Errorf("window: [%s, %s]", q.FromBlock, q.ToBlock)
	}
	if len(q.Addresses) != 1 || q.Addresses[0] != clobAddr {
		t.Errorf("addresses: %v", q.Addresses)
	}
	if len(q.Topics) != 1 || len(q.Topics[0]) != 1 || q.Topics[0][0] != ledger.OrderFilledTopic {
		t.Errorf("topics: %v", q.Topics)
	}
}

func TestRefreshWindowClampsToGenesis(t *testing.T) {
	f := &mockFilterer{head: big.NewInt(300)}
	tr := NewTracker(f, clobAddr, 5000, zap.NewNop())

	if _, err := tr.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if f.lastQuery.FromBlock.Sign() != 0 {
		t.Errorf("from block: want 0, got %s", f.lastQuery.FromBlock)
	}
}

func TestRefreshSortsNewestFirstAndTruncates(t *testing.T) {
	f := &mockFilterer{head: big.NewInt(10000)}
	for i := 0; i < maxFills+5; i++ {
		f.logs = append(f.logs, fillLog(t, wei(1), uint64(1000+i), byte(i)))
	}

	tr := NewTracker(f, clobAddr, 5000, zap.NewNop())
	fills, err := tr.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if len(fills) != maxFills {
		t.Fatalf("want %d fills, got %d", maxFills, len(fills))
	}
	if fills[0].TimestampMs != int64(1000+maxFills+4)*1000 {
		t.Errorf("newest first: got %d", fills[0].TimestampMs)
	}
	for i := 1; i < len(fills); i++ {
		if fills[i].TimestampMs > fills[i-1].TimestampMs {
			t.Fatalf("not sorted descending at %d", i)
		}
	}
	// The oldest five events fall off the end, not the newest.
	if fills[len(fills)-1].TimestampMs != 1005000 {
		t.Errorf("truncation kept the wrong end: %d", fills[len(fills)-1].TimestampMs)
	}
}

func TestRefreshSkipsUndecodableLog(t *testing.T) {
	f := &mockFilterer{head: big.NewInt(10000)}
	bad := fillLog(t, wei(1), 50, 9)
	bad.Data = bad.Data[:7]
	f.logs = []types.Log{bad, fillLog(t, wei(2), 60, 10)}

	tr := NewTracker(f, clobAddr, 5000, zap.NewNop())
	fills, err := tr.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if len(fills) != 1 || fills[0].Amount != "2" {
		t.Fatalf("want only the good fill, got %+v", fills)
	}
}

func TestRefreshErrors(t *testing.T) {
	f := &mockFilterer{head: big.NewInt(10), headErr: errors.New("rpc down")}
	tr := NewTracker(f, clobAddr, 100, zap.NewNop())
	if _, err := tr.Refresh(context.Background()); err == nil {
		t.Fatal("expected head error")
	}

	f = &mockFilterer{head: big.NewInt(10), logsErr: errors.New("filter unsupported")}
	tr = NewTracker(f, clobAddr, 100, zap.NewNop())
	if _, err := tr.Refresh(context.Background()); err == nil {
		t.Fatal("expected filter error")
	}
}

// scriptedTracker returns queued results in call order, optionally blocking
// until released so tests can interleave in-flight refreshes.
type scriptedTracker struct {
	mu      sync.Mutex
	results []scriptedResult
	calls   int
}

type scriptedResult struct {
	fills   []Fill
	err     error
	release chan struct{}
}

func (s *scriptedTracker) Refresh(ctx context.Context) ([]Fill, error) {
	s.mu.Lock()
	idx := s.calls
	s.calls++
	var r scriptedResult
	if idx < len(s.results) {
		r = s.results[idx]
	} else {
		r = scriptedResult{err: errors.New("no more scripted results")}
	}
	s.mu.Unlock()

	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.fills, r.err
}

func mkFills(ts int64) []Fill {
	return []Fill{{TimestampMs: ts}}
}

func waitForFills(t *testing.T, p *Poller, ts int64) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		if fl, ok := p.Fills(); ok && len(fl) > 0 && fl[0].TimestampMs == ts {
			return
		}
		select {
		case <-deadline:
			fl, _ := p.Fills()
			t.Fatalf("timed out waiting for fills %d, have %+v", ts, fl)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestPollerKeepsHistoryOnFailure(t *testing.T) {
	s := &scriptedTracker{results: []scriptedResult{
		{fills: mkFills(100)},
		{err: errors.New("rpc down")},
		{fills: mkFills(200)},
	}}
	p := NewPoller(s, time.Hour, zap.NewNop())
	ctx := context.Background()

	p.refreshOnce(ctx)
	waitForFills(t, p, 100)

	p.refreshOnce(ctx)
	fills, ok := p.Fills()
	if !ok || len(fills) != 1 || fills[0].TimestampMs != 100 {
		t.Fatalf("previous history lost: %+v", fills)
	}
	if p.Err() == nil {
		t.Fatal("refresh error not surfaced")
	}

	p.refreshOnce(ctx)
	waitForFills(t, p, 200)
	if p.Err() != nil {
		t.Fatalf("error not cleared: %v", p.Err())
	}
}

func TestPollerDiscardsSupersededResult(t *testing.T) {
	slow := make(chan struct{})
	s := &scriptedTracker{results: []scriptedResult{
		{fills: mkFills(100), release: slow}, // older, slower cycle
		{fills: mkFills(200)},                // newer, faster cycle
	}}
	p := NewPoller(s, time.Hour, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go p.refreshOnce(ctx) // seq 1, blocked
	time.Sleep(10 * time.Millisecond)
	p.refreshOnce(ctx) // seq 2, completes first
	waitForFills(t, p, 200)

	close(slow)
	time.Sleep(20 * time.Millisecond)

	fills, _ := p.Fills()
	if fills[0].TimestampMs != 200 {
		t.Fatalf("stale result overwrote newer history: %+v", fills)
	}
}

func TestPollerDiscardsSupersededFailure(t *testing.T) {
	slow := make(chan struct{})
	s := &scriptedTracker{results: []scriptedResult{
		{err: errors.New("rpc timeout"), release: slow}, // older, slower cycle
		{fills: mkFills(200)},                           // newer, faster cycle
	}}
	p := NewPoller(s, time.Hour, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go p.refreshOnce(ctx) // seq 1, blocked
	time.Sleep(10 * time.Millisecond)
	p.refreshOnce(ctx) // seq 2, succeeds and clears lastErr
	waitForFills(t, p, 200)

	close(slow) // older cycle now fails; its error must be discarded
	time.Sleep(20 * time.Millisecond)

	if err := p.Err(); err != nil {
		t.Fatalf("stale failure resurrected a cleared error: %v", err)
	}
}

func TestPollerRunStopsOnCancel(t *testing.T) {
	s := &scriptedTracker{results: []scriptedResult{{fills: mkFills(100)}}}
	p := NewPoller(s, 10*time.Millisecond, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	waitForFills(t, p, 100)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on context cancellation")
	}
}
