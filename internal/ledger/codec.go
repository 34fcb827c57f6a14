package ledger

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// MaxUint256 is the maximum representable allowance and the cumulative
// cap marker used inside order amount payloads.
var MaxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

func mustType(t string) abi.Type {
	ty, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return ty
}

var (
	uint256Ty = mustType("uint256")
	addressTy = mustType("address")
	boolTy    = mustType("bool")
	bytesTy   = mustType("bytes")

	// Ordered tuple the ledger expects for one order:
	// (id, trader, baseToken, quoteToken, isBuy, price, amount, timestamp).
	orderArgs = abi.Arguments{
		{Type: uint256Ty},
		{Type: addressTy},
		{Type: addressTy},
		{Type: addressTy},
		{Type: boolTy},
		{Type: uint256Ty},
		{Type: bytesTy},
		{Type: uint256Ty},
	}

	// The amount field is itself an encoded (amount, capMarker) pair backed
	// by a cumulative counter on the ledger side.
	amountArgs = abi.Arguments{
		{Type: uint256Ty},
		{Type: uint256Ty},
	}
)

// Order is a decoded on-chain order record. Price and Amount are raw
// 18-decimal wei-scale integers; display formatting happens downstream.
type Order struct {
	ID         *big.Int
	Trader     common.Address
	BaseToken  common.Address
	QuoteToken common.Address
	IsBuy      bool
	Price      *big.Int
	Amount     *big.Int
	Timestamp  uint64
}

// EncodeAmount packs an amount into the nested (amount, capMarker) pair.
func EncodeAmount(amount *big.Int) ([]byte, error) {
	return amountArgs.Pack(amount, MaxUint256)
}

// EncodeOrder packs an order into the ledger's opaque payload. The Amount
// field is wrapped in the nested pair encoding.
func EncodeOrder(o Order) ([]byte, error) {
	amountData, err := EncodeAmount(o.Amount)
	if err != nil {
		return nil, fmt.Errorf("encode amount: %w", err)
	}
	return orderArgs.Pack(
		o.ID,
		o.Trader,
		o.BaseToken,
		o.QuoteToken,
		o.IsBuy,
		o.Price,
		amountData,
		new(big.Int).SetUint64(o.Timestamp),
	)
}

// DecodeOrder unpacks one opaque order record. A corrupt outer tuple is an
// error (the caller drops the record); a corrupt nested amount pair yields
// amount 0, matching the ledger UI's tolerance for partially-initialized
// cumulative counters.
func DecodeOrder(data []byte) (Order, error) {
	vals, err := orderArgs.Unpack(data)
	if err != nil {
		return Order{}, fmt.Errorf("%w: %v", ErrOrderDecode, err)
	}

	o := Order{
		ID:         vals[0].(*big.Int),
		Trader:     vals[1].(common.Address),
		BaseToken:  vals[2].(common.Address),
		QuoteToken: vals[3].(common.Address),
		IsBuy:      vals[4].(bool),
		Price:      vals[5].(*big.Int),
		Amount:     big.NewInt(0),
		Timestamp:  vals[7].(*big.Int).Uint64(),
	}

	if amountVals, err := amountArgs.Unpack(vals[6].([]byte)); err == nil {
		o.Amount = amountVals[0].(*big.Int)
	}

	return o, nil
}
