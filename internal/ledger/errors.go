package ledger

import "errors"

// Sentinel errors surfaced by ledger reads.
var (
	// ErrNotDeployed means the target address has no contract code. Terminal
	// for the current poll cycle, not for the process.
	ErrNotDeployed = errors.New("contract not deployed at configured address")

	// ErrNoCallerIdentity means no from-address is available for a read that
	// requires one. The ledger rejects nonpayable getters without a caller.
	ErrNoCallerIdentity = errors.New("no caller address available: connect a signer or set ledger.call_from")

	// ErrOrderDecode wraps per-record payload decode failures. Callers skip
	// the record rather than aborting the refresh.
	ErrOrderDecode = errors.New("order payload decode failed")
)
