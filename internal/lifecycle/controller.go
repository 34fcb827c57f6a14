package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/dobby-dex/dobby/internal/ledger"
)

// Step is the observable phase of one order submission.
type Step string

const (
	StepIdle      Step = "idle"
	StepChecking  Step = "checking"
	StepApproving Step = "approving"
	StepPlacing   Step = "placing"
	StepDone      Step = "done"
	StepError     Step = "error"
)

// Sentinel errors returned by Place.
var (
	ErrBusy             = errors.New("an order submission is already in flight")
	ErrNoSigner         = errors.New("no signer configured: cannot submit orders")
	ErrInvalidIntent    = errors.New("invalid order intent")
	ErrApprovalFailed   = errors.New("token approval failed")
	ErrSubmissionFailed = errors.New("order submission failed")
)

// Intent is the immutable user input to one submission.
type Intent struct {
	BaseToken  common.Address
	QuoteToken common.Address
	IsBuy      bool
	Price      string // human units, 18-decimal scale on chain
	Amount     string
	ApproveMax bool
}

// Result reports the outcome of a submission.
type Result struct {
	Success bool
	TxHash  common.Hash
}

// Controller drives the approval-then-submit workflow for one order at a
// time: idle → checking → (approving →)? placing → done, with error
// reachable from any active phase. A second Place while one is in flight
// is rejected with ErrBusy, never interleaved.
type Controller struct {
	clob    *ledger.CLOB
	caller  ledger.Caller
	sender  ledger.Sender
	signer  ledger.TxSigner
	chainID *big.Int
	check   *Validator // optional pre-flight checks
	log     *zap.Logger

	nowFunc func() time.Time

	mu       sync.Mutex
	step     Step
	inFlight bool
	lastErr  error
}

// NewController creates a Controller. signer may be nil for a read-only
// deployment; Place then fails with ErrNoSigner.
func NewController(clob *ledger.CLOB, caller ledger.Caller, sender ledger.Sender, signer ledger.TxSigner, chainID *big.Int, check *Validator, log *zap.Logger) *Controller {
	return &Controller{
		clob:    clob,
		caller:  caller,
		sender:  sender,
		signer:  signer,
		chainID: chainID,
		check:   check,
		log:     log,
		nowFunc: time.Now,
		step:    StepIdle,
	}
}

// Step returns the current lifecycle phase.
func (c *Controller) Step() Step {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.step
}

// IsPlacing reports whether a submission is in flight. Always consistent
// with Step: StepApproving and StepPlacing imply true.
func (c *Controller) IsPlacing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// IsApproving reports whether the in-flight submission is in its approval
// phase.
func (c *Controller) IsApproving() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.step == StepApproving
}

// Err returns the error that ended the last submission, or nil.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Place runs the full submission workflow and blocks until the order
// transaction is confirmed or a phase fails. A failed submission is never
// reported as success.
func (c *Controller) Place(ctx context.Context, intent Intent) (Result, error) {
	c.mu.Lock()
	if c.inFlight {
		c.mu.Unlock()
		return Result{}, ErrBusy
	}
	c.inFlight = true
	c.step = StepChecking
	c.lastErr = nil
	c.mu.Unlock()

	res, err := c.place(ctx, intent)

	c.mu.Lock()
	if err != nil {
		c.step = StepError
		c.lastErr = err
	} else {
		c.step = StepDone
	}
	c.inFlight = false
	c.mu.Unlock()

	return res, err
}

func (c *Controller) place(ctx context.Context, intent Intent) (Result, error) {
	if c.signer == nil {
		return Result{}, ErrNoSigner
	}
	if c.check != nil {
		if err := c.check.Validate(intent); err != nil {
			return Result{}, err
		}
	}

	priceWei, err := parseUnits(intent.Price)
	if err != nil {
		return Result{}, fmt.Errorf("%w: price %q", ErrInvalidIntent, intent.Price)
	}
	amountWei, err := parseUnits(intent.Amount)
	if err != nil {
		return Result{}, fmt.Errorf("%w: amount %q", ErrInvalidIntent, intent.Amount)
	}

	// The token the trader spends: quote when buying, base when selling.
	spendToken := intent.BaseToken
	required := new(big.Int).Set(amountWei)
	if intent.IsBuy {
		spendToken = intent.QuoteToken
		// Raw wei product; the ledger applies price*amount without rescaling,
		// so the allowance must cover the inflated value.
		required.Mul(amountWei, priceWei)
	}

	if err := c.ensureAllowance(ctx, spendToken, required, intent.ApproveMax); err != nil {
		return Result{}, err
	}

	c.setStep(StepPlacing)

	now := c.nowFunc()
	payload, err := ledger.EncodeOrder(ledger.Order{
		ID:         big.NewInt(now.UnixMilli()),
		Trader:     c.signer.Address(),
		BaseToken:  intent.BaseToken,
		QuoteToken: intent.QuoteToken,
		IsBuy:      intent.IsBuy,
		Price:      priceWei,
		Amount:     amountWei,
		Timestamp:  uint64(now.Unix()),
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: encode payload: %v", ErrSubmissionFailed, err)
	}

	data, err := c.clob.PlaceOrderData(payload)
	if err != nil {
		return Result{}, fmt.Errorf("%w: pack calldata: %v", ErrSubmissionFailed, err)
	}

	hash, err := ledger.SendAndWait(ctx, c.sender, c.signer, c.chainID, c.clob.Address(), data)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrSubmissionFailed, err)
	}

	c.log.Info("order placed",
		zap.String("tx", hash.Hex()),
		zap.Bool("isBuy", intent.IsBuy),
		zap.String("price", intent.Price),
		zap.String("amount", intent.Amount))

	return Result{Success: true, TxHash: hash}, nil
}

// ensureAllowance checks the current allowance from the spend token to the
// order contract and runs the approval policy when it falls short. An
// allowance read failure is treated as zero allowance so the workflow
// proceeds to approval rather than submitting a doomed order.
func (c *Controller) ensureAllowance(ctx context.Context, spendToken common.Address, required *big.Int, approveMax bool) error {
	token := ledger.NewERC20(spendToken, c.caller)

	current, err := token.Allowance(ctx, c.signer.Address(), c.clob.Address())
	if err != nil {
		c.log.Warn("allowance read failed, assuming zero", zap.Error(err))
		current = big.NewInt(0)
	}

	if current.Cmp(required) >= 0 {
		return nil
	}

	c.setStep(StepApproving)

	value := required
	if approveMax {
		// One maximal approval avoids a fresh approval transaction on every
		// subsequent order.
		value = ledger.MaxUint256
	}

	policy := approvalPolicy{
		sender:  c.sender,
		signer:  c.signer,
		chainID: c.chainID,
		spender: c.clob.Address(),
		log:     c.log,
	}
	if err := policy.run(ctx, token, value); err != nil {
		return fmt.Errorf("%w: token %s: %v", ErrApprovalFailed, spendToken.Hex(), err)
	}
	return nil
}

func (c *Controller) setStep(s Step) {
	c.mu.Lock()
	c.step = s
	c.mu.Unlock()
}

// parseUnits converts a human-unit decimal string to its 18-decimal
// wei-scale integer.
func parseUnits(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, err
	}
	if d.Sign() <= 0 {
		return nil, fmt.Errorf("value must be positive")
	}
	return d.Shift(18).BigInt(), nil
}
