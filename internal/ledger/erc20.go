package ledger

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const erc20ABIJSON = `[
  {"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

var erc20ABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		panic(err)
	}
	return parsed
}()

// ERC20 binds the token operations the submission workflow needs.
type ERC20 struct {
	addr   common.Address
	caller Caller
}

// NewERC20 creates a binding for the token at addr.
func NewERC20(addr common.Address, caller Caller) *ERC20 {
	return &ERC20{addr: addr, caller: caller}
}

// Address returns the bound token address.
func (t *ERC20) Address() common.Address { return t.addr }

// Allowance reads the spender's current allowance from owner.
func (t *ERC20) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	data, err := erc20ABI.Pack("allowance", owner, spender)
	if err != nil {
		return nil, fmt.Errorf("pack allowance: %w", err)
	}

	out, err := t.caller.CallContract(ctx, ethereum.CallMsg{
		From: owner,
		To:   &t.addr,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("allowance call: %w", err)
	}

	vals, err := erc20ABI.Unpack("allowance", out)
	if err != nil {
		return nil, fmt.Errorf("unpack allowance: %w", err)
	}
	return vals[0].(*big.Int), nil
}

// ApproveData returns the calldata for an approve(spender, value) call.
func (t *ERC20) ApproveData(spender common.Address, value *big.Int) ([]byte, error) {
	return erc20ABI.Pack("approve", spender, value)
}
