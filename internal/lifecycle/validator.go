package lifecycle

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Sentinel errors returned by Validate.
var (
	ErrInvalidPrice  = errors.New("price must be a positive decimal")
	ErrInvalidAmount = errors.New("amount must be a positive decimal")
	ErrInvalidToken  = errors.New("token address must be set")
	ErrSameTokenPair = errors.New("base and quote token must differ")
	ErrTradingGated  = errors.New("trading gated: market data not fresh")
)

// TradingGate reports whether submission should currently be allowed.
// Satisfied by health.Gate.
type TradingGate interface {
	CanTrade() bool
}

// Validator performs pre-flight checks on an intent before the submission
// workflow starts. It fails fast: the first failing check rejects the
// intent.
type Validator struct {
	gate TradingGate // optional
}

// NewValidator creates a Validator. gate may be nil to skip freshness
// gating.
func NewValidator(gate TradingGate) *Validator {
	return &Validator{gate: gate}
}

// Validate runs all pre-flight checks on the intent.
func (v *Validator) Validate(intent Intent) error {
	if intent.BaseToken == (common.Address{}) || intent.QuoteToken == (common.Address{}) {
		return ErrInvalidToken
	}
	if intent.BaseToken == intent.QuoteToken {
		return ErrSameTokenPair
	}

	price, err := decimal.NewFromString(intent.Price)
	if err != nil || price.Sign() <= 0 {
		return fmt.Errorf("%w: %q", ErrInvalidPrice, intent.Price)
	}

	amount, err := decimal.NewFromString(intent.Amount)
	if err != nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: %q", ErrInvalidAmount, intent.Amount)
	}

	if v.gate != nil && !v.gate.CanTrade() {
		return ErrTradingGated
	}

	return nil
}
