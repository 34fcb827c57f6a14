package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Caller is the read-only subset of the RPC client used for contract calls.
// Satisfied by *ethclient.Client; mocked in tests.
type Caller interface {
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// LogFilterer is the subset used for bounded event log queries.
type LogFilterer interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Sender is the subset used for submitting and confirming transactions.
type Sender interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// TxSigner signs transactions for a single ledger identity.
// Satisfied by *signer.Signer.
type TxSigner interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// fallbackGasLimit is used when gas estimation fails. The ledger's parallel
// execution model makes estimates flaky for cumulative-counter writes.
const fallbackGasLimit = 2_000_000

// receiptPollInterval is how often WaitMined re-checks for a receipt.
const receiptPollInterval = 500 * time.Millisecond

// ErrTxReverted means a transaction was mined but its receipt reports
// failure.
var ErrTxReverted = errors.New("transaction reverted")

// SendAndWait builds, signs, and submits a contract transaction, then blocks
// until it is mined. A mined-but-reverted transaction returns the hash
// together with ErrTxReverted: the caller must not treat it as success.
func SendAndWait(ctx context.Context, s Sender, signer TxSigner, chainID *big.Int, to common.Address, data []byte) (common.Hash, error) {
	from := signer.Address()

	nonce, err := s.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("fetch nonce: %w", err)
	}

	gasPrice, err := s.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("fetch gas price: %w", err)
	}

	gasLimit, err := s.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: data})
	if err != nil {
		gasLimit = fallbackGasLimit
	}

	tx := types.NewTransaction(nonce, to, big.NewInt(0), gasLimit, gasPrice, data)
	signed, err := signer.SignTx(tx, chainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign transaction: %w", err)
	}

	if err := s.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("send transaction: %w", err)
	}

	receipt, err := WaitMined(ctx, s, signed.Hash())
	if err != nil {
		return signed.Hash(), err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return signed.Hash(), ErrTxReverted
	}
	return signed.Hash(), nil
}

// WaitMined polls for the transaction receipt until it appears or ctx is
// cancelled. A missing receipt is treated as "still pending".
func WaitMined(ctx context.Context, s Sender, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := s.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
