package exchange

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Ledger is the fungible-token collaborator the exchange escrows against.
// The exchange only ever pulls deposits via TransferFrom (after the owner
// has approved it) and pays out via Transfer from its own custody address.
type Ledger interface {
	Transfer(caller, to common.Address, amount *big.Int) error
	TransferFrom(caller, from, to common.Address, amount *big.Int) error
	BalanceOf(owner common.Address) *big.Int
	Allowance(owner, spender common.Address) *big.Int
}

// LedgerRegistry resolves a token address to its ledger.
type LedgerRegistry interface {
	Ledger(token common.Address) (Ledger, error)
}

// LedgerFunc adapts a plain lookup function to LedgerRegistry.
type LedgerFunc func(token common.Address) (Ledger, error)

func (f LedgerFunc) Ledger(token common.Address) (Ledger, error) { return f(token) }

// Config is fixed at construction and immutable thereafter.
type Config struct {
	// Address is the exchange's own account on every token ledger;
	// deposited funds are held here.
	Address common.Address

	// FeeAccount collects the taker fee on every fill.
	FeeAccount common.Address

	// FeePercent is an integer percentage of amountGet, paid by the taker
	// in the tokenGet denomination. Fee math rounds down.
	FeePercent uint64
}

// OrderStatus is the lifecycle state of an order. Open is the only
// non-terminal state; Cancelled and Filled are terminal and permanent.
type OrderStatus int8

const (
	OrderOpen OrderStatus = iota
	OrderCancelled
	OrderFilled
)

func (s OrderStatus) String() string {
	switch s {
	case OrderOpen:
		return "open"
	case OrderCancelled:
		return "cancelled"
	case OrderFilled:
		return "filled"
	default:
		return "unknown"
	}
}

// ParseOrderStatus is the inverse of String.
func ParseOrderStatus(s string) (OrderStatus, bool) {
	switch s {
	case "open":
		return OrderOpen, true
	case "cancelled":
		return OrderCancelled, true
	case "filled":
		return OrderFilled, true
	default:
		return 0, false
	}
}

// Order is an immutable record in the append-only order registry.
// Ids start at 1 and are never reused; status is tracked out-of-band so
// the historical record is never overwritten.
type Order struct {
	ID         uint64         `json:"id"`
	Maker      common.Address `json:"maker"`
	TokenGet   common.Address `json:"tokenGet"`   // token the maker wants to receive
	AmountGet  *big.Int       `json:"amountGet"`  // > 0
	TokenGive  common.Address `json:"tokenGive"`  // token the maker offers
	AmountGive *big.Int       `json:"amountGive"` // > 0
	CreatedAt  int64          `json:"createdAt"`  // Unix milliseconds
}

// Trade records a completed whole-order fill.
type Trade struct {
	OrderID    uint64         `json:"orderId"`
	Taker      common.Address `json:"taker"`
	TokenGet   common.Address `json:"tokenGet"`
	AmountGet  *big.Int       `json:"amountGet"`
	TokenGive  common.Address `json:"tokenGive"`
	AmountGive *big.Int       `json:"amountGive"`
	FeeAmount  *big.Int       `json:"feeAmount"` // paid by taker in tokenGet units
	Maker      common.Address `json:"maker"`
	Timestamp  int64          `json:"timestamp"` // Unix milliseconds
}
