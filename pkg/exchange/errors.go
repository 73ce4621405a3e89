package exchange

import "errors"

// Error taxonomy for every mutating operation. All failures wrap exactly
// one of these sentinels and leave exchange state untouched.
var (
	// ErrInvalidAmount rejects zero, negative, or nil quantities.
	ErrInvalidAmount = errors.New("exchange: invalid amount")

	// ErrInsufficientBalance means a custodial balance is too low for a
	// withdraw or for either leg of a fill.
	ErrInsufficientBalance = errors.New("exchange: insufficient balance")

	// ErrInsufficientAllowance means the depositor has not authorized the
	// exchange to pull the requested amount from the token ledger.
	ErrInsufficientAllowance = errors.New("exchange: insufficient allowance")

	// ErrTransferFailed means the underlying ledger rejected a transfer.
	ErrTransferFailed = errors.New("exchange: ledger transfer failed")

	// ErrUnknownToken means the token address is not registered.
	ErrUnknownToken = errors.New("exchange: unknown token")

	// ErrOrderNotFound means no order was ever created with that id.
	ErrOrderNotFound = errors.New("exchange: order not found")

	// ErrOrderAlreadyClosed means the order is Cancelled or Filled.
	ErrOrderAlreadyClosed = errors.New("exchange: order already closed")

	// ErrUnauthorized means the caller is not the order's maker.
	ErrUnauthorized = errors.New("exchange: unauthorized")
)
