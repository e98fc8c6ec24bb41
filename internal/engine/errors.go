package engine

import "errors"

// Trade engine failure taxonomy. Every precondition is checked before any
// mutation; a failure aborts with zero side effects.
var (
	// ErrValidation covers malformed input: non-positive shares, bad
	// outcome/side values, non-positive liquidity or maxCost.
	ErrValidation = errors.New("engine: invalid request")

	// ErrMarketNotOpen is returned when trading is attempted outside the
	// market's open window (status or wall-clock close time).
	ErrMarketNotOpen = errors.New("engine: market is not open for trading")

	// ErrAlreadyResolved is returned when resolving a market twice.
	ErrAlreadyResolved = errors.New("engine: market already resolved")

	// ErrSlippageExceeded is returned when the recomputed cost exceeds the
	// caller's maxCost bound.
	ErrSlippageExceeded = errors.New("engine: recomputed cost exceeds max cost")

	// ErrInsufficientShares is returned when a sell exceeds the trader's
	// position.
	ErrInsufficientShares = errors.New("engine: insufficient shares to sell")

	// ErrMarketHalted is returned when a market failed its integrity check
	// and writes are suspended pending investigation.
	ErrMarketHalted = errors.New("engine: market halted after integrity failure")

	// ErrIntegrity is returned when replaying a market's trades does not
	// reproduce its current quantities.
	ErrIntegrity = errors.New("engine: trade replay does not match market state")
)
