package ledger

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const clobABIJSON = `[
  {"type":"function","name":"getAllBuyOrders","stateMutability":"nonpayable","inputs":[],"outputs":[{"name":"orders","type":"bytes[]"}]},
  {"type":"function","name":"getAllSellOrders","stateMutability":"nonpayable","inputs":[],"outputs":[{"name":"orders","type":"bytes[]"}]},
  {"type":"function","name":"getUserOrders","stateMutability":"nonpayable","inputs":[{"name":"trader","type":"address"}],"outputs":[{"name":"orders","type":"bytes[]"}]},
  {"type":"function","name":"placeOrder","stateMutability":"nonpayable","inputs":[{"name":"order","type":"bytes"}],"outputs":[]},
  {"type":"event","name":"OrderFilled","inputs":[
    {"name":"buyer","type":"address","indexed":true},
    {"name":"seller","type":"address","indexed":true},
    {"name":"amount","type":"uint256","indexed":false},
    {"name":"timestamp","type":"uint256","indexed":false}]}
]`

var clobABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(clobABIJSON))
	if err != nil {
		panic(err)
	}
	return parsed
}()

// OrderFilledTopic is the topic0 hash of the OrderFilled event.
var OrderFilledTopic = clobABI.Events["OrderFilled"].ID

// CLOB binds the order book contract's read and write surface. All getters
// on the ledger are nonpayable (its runtime resolves cumulative counters at
// call time), so every read carries an explicit from-address.
type CLOB struct {
	addr   common.Address
	caller Caller
}

// NewCLOB creates a binding for the contract at addr.
func NewCLOB(addr common.Address, caller Caller) *CLOB {
	return &CLOB{addr: addr, caller: caller}
}

// Address returns the bound contract address.
func (c *CLOB) Address() common.Address { return c.addr }

// Deployed reports whether contract code exists at the bound address.
func (c *CLOB) Deployed(ctx context.Context) (bool, error) {
	code, err := c.caller.CodeAt(ctx, c.addr, nil)
	if err != nil {
		return false, fmt.Errorf("bytecode lookup: %w", err)
	}
	return len(code) > 0, nil
}

// BuyOrders returns the raw buy-side order records.
func (c *CLOB) BuyOrders(ctx context.Context, from common.Address) ([][]byte, error) {
	return c.callRecords(ctx, from, "getAllBuyOrders")
}

// SellOrders returns the raw sell-side order records.
func (c *CLOB) SellOrders(ctx context.Context, from common.Address) ([][]byte, error) {
	return c.callRecords(ctx, from, "getAllSellOrders")
}

// UserOrders returns the raw order records resting for one trader.
func (c *CLOB) UserOrders(ctx context.Context, from, trader common.Address) ([][]byte, error) {
	return c.callRecords(ctx, from, "getUserOrders", trader)
}

// PlaceOrderData returns the calldata for submitting one encoded order.
func (c *CLOB) PlaceOrderData(payload []byte) ([]byte, error) {
	return clobABI.Pack("placeOrder", payload)
}

func (c *CLOB) callRecords(ctx context.Context, from common.Address, method string, args ...any) ([][]byte, error) {
	data, err := clobABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	out, err := c.caller.CallContract(ctx, ethereum.CallMsg{
		From: from,
		To:   &c.addr,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("%s call: %w", method, err)
	}
	if len(out) == 0 {
		return nil, nil
	}

	vals, err := clobABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return vals[0].([][]byte), nil
}

// FillLog is one decoded OrderFilled event.
type FillLog struct {
	Buyer     common.Address
	Seller    common.Address
	Amount    *big.Int
	Timestamp uint64
	TxHash    common.Hash
}

// ParseOrderFilled decodes an OrderFilled log entry.
func ParseOrderFilled(lg types.Log) (FillLog, error) {
	if len(lg.Topics) < 3 || lg.Topics[0] != OrderFilledTopic {
		return FillLog{}, fmt.Errorf("not an OrderFilled log")
	}

	vals, err := clobABI.Unpack("OrderFilled", lg.Data)
	if err != nil {
		return FillLog{}, fmt.Errorf("unpack OrderFilled: %w", err)
	}

	return FillLog{
		Buyer:     common.BytesToAddress(lg.Topics[1].Bytes()),
		Seller:    common.BytesToAddress(lg.Topics[2].Bytes()),
		Amount:    vals[0].(*big.Int),
		Timestamp: vals[1].(*big.Int).Uint64(),
		TxHash:    lg.TxHash,
	}, nil
}
