package lifecycle

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

type stubGate struct{ allow bool }

func (g stubGate) CanTrade() bool { return g.allow }

func validIntent() Intent {
	return Intent{
		BaseToken:  baseAddr,
		QuoteToken: quoteAddr,
		IsBuy:      true,
		Price:      "2450.5",
		Amount:     "1.25",
	}
}

func TestValidateAccepts(t *testing.T) {
	v := NewValidator(nil)
	if err := v.Validate(validIntent()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Intent)
		want   error
	}{
		{"zero base token", func(i *Intent) { i.BaseToken = common.Address{} }, ErrInvalidToken},
		{"same pair", func(i *Intent) { i.QuoteToken = i.BaseToken }, ErrSameTokenPair},
		{"negative price", func(i *Intent) { i.Price = "-1" }, ErrInvalidPrice},
		{"zero price", func(i *Intent) { i.Price = "0" }, ErrInvalidPrice},
		{"garbage price", func(i *Intent) { i.Price = "2,450" }, ErrInvalidPrice},
		{"zero amount", func(i *Intent) { i.Amount = "0" }, ErrInvalidAmount},
		{"garbage amount", func(i *Intent) { i.Amount = "lots" }, ErrInvalidAmount},
	}

	v := NewValidator(nil)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			intent := validIntent()
			tc.mutate(&intent)
			if err := v.Validate(intent); !errors.Is(err, tc.want) {
				t.Errorf("want %v, got %v", tc.want, err)
			}
		})
	}
}

func TestValidateGate(t *testing.T) {
	v := NewValidator(stubGate{allow: false})
	if err := v.Validate(validIntent()); !errors.Is(err, ErrTradingGated) {
		t.Fatalf("expected ErrTradingGated, got %v", err)
	}

	v = NewValidator(stubGate{allow: true})
	if err := v.Validate(validIntent()); err != nil {
		t.Fatalf("unexpected error with open gate: %v", err)
	}
}
