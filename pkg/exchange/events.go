package exchange

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
)

// Exchange notifications, one type per feed. Events are emitted only after
// the mutation has fully committed; a rejected operation emits nothing.

// DepositEvent: funds pulled from the ledger into exchange custody.
// Balance is the user's custodial balance after the credit.
type DepositEvent struct {
	Token     common.Address `json:"token"`
	User      common.Address `json:"user"`
	Amount    *big.Int       `json:"amount"`
	Balance   *big.Int       `json:"balance"`
	Timestamp int64          `json:"timestamp"`
}

// WithdrawEvent: funds paid back out to the user's ledger balance.
type WithdrawEvent struct {
	Token     common.Address `json:"token"`
	User      common.Address `json:"user"`
	Amount    *big.Int       `json:"amount"`
	Balance   *big.Int       `json:"balance"`
	Timestamp int64          `json:"timestamp"`
}

// OrderEvent: a new order entered the registry as Open.
type OrderEvent struct {
	Order Order `json:"order"`
}

// CancelEvent: an Open order was cancelled by its maker. Carries the full
// order fields, like the contract's Cancel log.
type CancelEvent struct {
	Order     Order `json:"order"`
	Timestamp int64 `json:"timestamp"`
}

// TradeEvent: an Open order was filled whole.
type TradeEvent struct {
	Trade Trade `json:"trade"`
}

// SubscribeDeposits delivers DepositEvents to ch until unsubscribed.
func (x *Exchange) SubscribeDeposits(ch chan<- DepositEvent) event.Subscription {
	return x.depositFeed.Subscribe(ch)
}

// SubscribeWithdrawals delivers WithdrawEvents to ch until unsubscribed.
func (x *Exchange) SubscribeWithdrawals(ch chan<- WithdrawEvent) event.Subscription {
	return x.withdrawFeed.Subscribe(ch)
}

// SubscribeOrders delivers OrderEvents to ch until unsubscribed.
func (x *Exchange) SubscribeOrders(ch chan<- OrderEvent) event.Subscription {
	return x.orderFeed.Subscribe(ch)
}

// SubscribeCancels delivers CancelEvents to ch until unsubscribed.
func (x *Exchange) SubscribeCancels(ch chan<- CancelEvent) event.Subscription {
	return x.cancelFeed.Subscribe(ch)
}

// SubscribeTrades delivers TradeEvents to ch until unsubscribed.
func (x *Exchange) SubscribeTrades(ch chan<- TradeEvent) event.Subscription {
	return x.tradeFeed.Subscribe(ch)
}
