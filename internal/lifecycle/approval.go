package lifecycle

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/dobby-dex/dobby/internal/ledger"
)

// approvalPolicy runs the two-step approval workflow: a direct approval,
// and on failure a reset-to-zero followed by one retry. Some tokens reject
// non-zero→non-zero allowance changes; the reset path covers them.
type approvalPolicy struct {
	sender  ledger.Sender
	signer  ledger.TxSigner
	chainID *big.Int
	spender common.Address
	log     *zap.Logger
}

func (p approvalPolicy) run(ctx context.Context, token *ledger.ERC20, value *big.Int) error {
	if err := p.approveOnce(ctx, token, value); err == nil {
		return nil
	} else {
		p.log.Warn("direct approval failed, attempting reset-to-zero retry",
			zap.String("token", token.Address().Hex()), zap.Error(err))
	}

	if err := p.approveOnce(ctx, token, big.NewInt(0)); err != nil {
		return fmt.Errorf("reset-to-zero approval: %w", err)
	}
	if err := p.approveOnce(ctx, token, value); err != nil {
		return fmt.Errorf("approval retry after reset: %w", err)
	}
	return nil
}

func (p approvalPolicy) approveOnce(ctx context.Context, token *ledger.ERC20, value *big.Int) error {
	data, err := token.ApproveData(p.spender, value)
	if err != nil {
		return fmt.Errorf("pack approve: %w", err)
	}
	_, err = ledger.SendAndWait(ctx, p.sender, p.signer, p.chainID, token.Address(), data)
	return err
}
