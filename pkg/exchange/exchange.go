package exchange

import (
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"go.uber.org/zap"

	"github.com/lotrdex/exchange/pkg/util"
)

// Exchange is the self-custodial escrow core. It tracks per-user,
// per-token custodial balances funded through the token ledgers, keeps an
// append-only registry of limit orders, and settles whole-order fills with
// integer fee accounting.
//
// All mutating operations run under one write lock, so every call is a
// fully committed, isolated step: either all of its balance moves, status
// flips, and persistence land, or none do and state is unchanged. Reads
// take the read lock and never observe a torn intermediate state.
type Exchange struct {
	cfg     Config
	ledgers LedgerRegistry
	store   *Store
	clock   util.Clock
	log     *zap.SugaredLogger

	closeOnce sync.Once

	mu       sync.RWMutex
	balances map[common.Address]map[common.Address]*big.Int // token → user → amount
	orders   map[uint64]*Order                              // append-only, never mutated
	statuses map[uint64]OrderStatus                         // terminal states only; absent = Open
	lastID   uint64

	depositFeed  event.Feed
	withdrawFeed event.Feed
	orderFeed    event.Feed
	cancelFeed   event.Feed
	tradeFeed    event.Feed
}

// New constructs an exchange and rehydrates prior state from the store.
func New(cfg Config, ledgers LedgerRegistry, store *Store, clock util.Clock, logger *zap.SugaredLogger) (*Exchange, error) {
	if cfg.Address == (common.Address{}) {
		return nil, fmt.Errorf("exchange address must be set")
	}
	if cfg.FeeAccount == (common.Address{}) {
		return nil, fmt.Errorf("fee account must be set")
	}
	if cfg.FeePercent > 100 {
		return nil, fmt.Errorf("fee percent %d out of range", cfg.FeePercent)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if clock == nil {
		clock = util.RealClock{}
	}

	x := &Exchange{
		cfg:      cfg,
		ledgers:  ledgers,
		store:    store,
		clock:    clock,
		log:      logger,
		balances: make(map[common.Address]map[common.Address]*big.Int),
		orders:   make(map[uint64]*Order),
		statuses: make(map[uint64]OrderStatus),
	}

	if err := x.rehydrate(); err != nil {
		return nil, fmt.Errorf("failed to rehydrate exchange state: %w", err)
	}
	return x, nil
}

// Config returns the immutable exchange configuration.
func (x *Exchange) Config() Config { return x.cfg }

// Close closes the underlying store. Safe to call more than once.
func (x *Exchange) Close() error {
	var err error
	x.closeOnce.Do(func() { err = x.store.Close() })
	return err
}

func (x *Exchange) rehydrate() error {
	entries, err := x.store.loadBalances()
	if err != nil {
		return err
	}
	for _, e := range entries {
		x.setBalance(e.token, e.user, e.amount)
	}

	orders, err := x.store.loadOrders()
	if err != nil {
		return err
	}
	for _, o := range orders {
		x.orders[o.ID] = o
		if o.ID > x.lastID {
			x.lastID = o.ID
		}
	}

	statuses, err := x.store.loadStatuses()
	if err != nil {
		return err
	}
	for id, st := range statuses {
		if st != OrderOpen {
			x.statuses[id] = st
		}
	}

	lastID, err := x.store.lastOrderID()
	if err != nil {
		return err
	}
	if lastID > x.lastID {
		x.lastID = lastID
	}

	if len(orders) > 0 || len(entries) > 0 {
		x.log.Infow("exchange_state_rehydrated",
			"orders", len(orders), "balance_cells", len(entries), "last_order_id", x.lastID)
	}
	return nil
}

// DepositToken pulls amount of token from the caller's ledger balance into
// exchange custody and credits the caller's custodial balance. The caller
// must have approved the exchange for at least amount beforehand.
func (x *Exchange) DepositToken(caller, tokenAddr common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: deposit amount must be positive", ErrInvalidAmount)
	}
	ledger, err := x.ledger(tokenAddr)
	if err != nil {
		return err
	}

	ev, err := x.applyDeposit(ledger, caller, tokenAddr, amount)
	if err != nil {
		return err
	}

	// Emitted outside the lock so a slow subscriber cannot stall the
	// exchange.
	x.depositFeed.Send(ev)
	x.log.Infow("deposit", "token", tokenAddr.Hex(), "user", caller.Hex(), "amount", amount.String(), "balance", ev.Balance.String())
	return nil
}

func (x *Exchange) applyDeposit(ledger Ledger, caller, tokenAddr common.Address, amount *big.Int) (DepositEvent, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	// Explicit capability check before touching the ledger: the deposit
	// contract assumes a prior approve call.
	if allowed := ledger.Allowance(caller, x.cfg.Address); allowed.Cmp(amount) < 0 {
		return DepositEvent{}, fmt.Errorf("%w: allowed %s, need %s", ErrInsufficientAllowance, allowed, amount)
	}

	if err := ledger.TransferFrom(x.cfg.Address, caller, x.cfg.Address, amount); err != nil {
		return DepositEvent{}, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	newBal := new(big.Int).Add(x.balance(tokenAddr, caller), amount)
	if err := x.persistBalances(balanceWrite{tokenAddr, caller, newBal}); err != nil {
		// Return the pulled funds so ledger and custody stay consistent.
		if rbErr := ledger.Transfer(x.cfg.Address, caller, amount); rbErr != nil {
			x.log.Errorw("deposit_rollback_failed", "token", tokenAddr.Hex(), "user", caller.Hex(), "err", rbErr)
		}
		return DepositEvent{}, fmt.Errorf("failed to persist deposit: %w", err)
	}
	x.setBalance(tokenAddr, caller, newBal)

	return DepositEvent{
		Token:     tokenAddr,
		User:      caller,
		Amount:    new(big.Int).Set(amount),
		Balance:   newBal,
		Timestamp: x.clock.Now().UnixMilli(),
	}, nil
}

// WithdrawToken debits the caller's custodial balance and pays the amount
// back out on the token ledger. A failed payout leaves nothing to unwind:
// the debit is only persisted after the ledger transfer succeeds.
func (x *Exchange) WithdrawToken(caller, tokenAddr common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: withdraw amount must be positive", ErrInvalidAmount)
	}
	ledger, err := x.ledger(tokenAddr)
	if err != nil {
		return err
	}

	ev, err := x.applyWithdraw(ledger, caller, tokenAddr, amount)
	if err != nil {
		return err
	}

	x.withdrawFeed.Send(ev)
	x.log.Infow("withdraw", "token", tokenAddr.Hex(), "user", caller.Hex(), "amount", amount.String(), "balance", ev.Balance.String())
	return nil
}

func (x *Exchange) applyWithdraw(ledger Ledger, caller, tokenAddr common.Address, amount *big.Int) (WithdrawEvent, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	bal := x.balance(tokenAddr, caller)
	if bal.Cmp(amount) < 0 {
		return WithdrawEvent{}, fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, bal, amount)
	}

	if err := ledger.Transfer(x.cfg.Address, caller, amount); err != nil {
		return WithdrawEvent{}, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	newBal := new(big.Int).Sub(bal, amount)
	if err := x.persistBalances(balanceWrite{tokenAddr, caller, newBal}); err != nil {
		// Pull the payout back so custody matches the store.
		if rbErr := ledger.Transfer(caller, x.cfg.Address, amount); rbErr != nil {
			x.log.Errorw("withdraw_rollback_failed", "token", tokenAddr.Hex(), "user", caller.Hex(), "err", rbErr)
		}
		return WithdrawEvent{}, fmt.Errorf("failed to persist withdraw: %w", err)
	}
	x.setBalance(tokenAddr, caller, newBal)

	return WithdrawEvent{
		Token:     tokenAddr,
		User:      caller,
		Amount:    new(big.Int).Set(amount),
		Balance:   newBal,
		Timestamp: x.clock.Now().UnixMilli(),
	}, nil
}

// BalanceOf returns the user's custodial balance for a token, zero if
// unset. Never fails.
func (x *Exchange) BalanceOf(tokenAddr, user common.Address) *big.Int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return new(big.Int).Set(x.balance(tokenAddr, user))
}

// MakeOrder creates an Open order and returns its id. The maker's
// custodial balance is deliberately not checked here: validation is lazy,
// an underfunded order simply fails to fill later.
func (x *Exchange) MakeOrder(caller, tokenGet common.Address, amountGet *big.Int, tokenGive common.Address, amountGive *big.Int) (uint64, error) {
	if amountGet == nil || amountGet.Sign() <= 0 {
		return 0, fmt.Errorf("%w: amountGet must be positive", ErrInvalidAmount)
	}
	if amountGive == nil || amountGive.Sign() <= 0 {
		return 0, fmt.Errorf("%w: amountGive must be positive", ErrInvalidAmount)
	}
	if _, err := x.ledger(tokenGet); err != nil {
		return 0, err
	}
	if _, err := x.ledger(tokenGive); err != nil {
		return 0, err
	}

	ev, err := x.applyMakeOrder(caller, tokenGet, amountGet, tokenGive, amountGive)
	if err != nil {
		return 0, err
	}

	x.orderFeed.Send(ev)
	x.log.Infow("order_made", "id", ev.Order.ID, "maker", caller.Hex(),
		"token_get", tokenGet.Hex(), "amount_get", amountGet.String(),
		"token_give", tokenGive.Hex(), "amount_give", amountGive.String())
	return ev.Order.ID, nil
}

func (x *Exchange) applyMakeOrder(caller, tokenGet common.Address, amountGet *big.Int, tokenGive common.Address, amountGive *big.Int) (OrderEvent, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	id := x.lastID + 1
	o := &Order{
		ID:         id,
		Maker:      caller,
		TokenGet:   tokenGet,
		AmountGet:  new(big.Int).Set(amountGet),
		TokenGive:  tokenGive,
		AmountGive: new(big.Int).Set(amountGive),
		CreatedAt:  x.clock.Now().UnixMilli(),
	}

	batch := x.store.NewBatch()
	defer batch.Close()
	if err := batch.PutOrder(o); err != nil {
		return OrderEvent{}, err
	}
	if err := batch.SetLastOrderID(id); err != nil {
		return OrderEvent{}, err
	}
	if err := batch.Commit(); err != nil {
		return OrderEvent{}, fmt.Errorf("failed to persist order: %w", err)
	}

	x.orders[id] = o
	x.lastID = id
	return OrderEvent{Order: *o}, nil
}

// CancelOrder transitions an Open order to Cancelled. Only the maker may
// cancel, and only once; no funds move.
func (x *Exchange) CancelOrder(caller common.Address, id uint64) error {
	ev, err := x.applyCancel(caller, id)
	if err != nil {
		return err
	}

	x.cancelFeed.Send(ev)
	x.log.Infow("order_cancelled", "id", id, "maker", caller.Hex())
	return nil
}

func (x *Exchange) applyCancel(caller common.Address, id uint64) (CancelEvent, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	o, ok := x.orders[id]
	if !ok {
		return CancelEvent{}, fmt.Errorf("%w: id %d", ErrOrderNotFound, id)
	}
	if st, closed := x.statuses[id]; closed {
		return CancelEvent{}, fmt.Errorf("%w: order %d is %s", ErrOrderAlreadyClosed, id, st)
	}
	if o.Maker != caller {
		return CancelEvent{}, fmt.Errorf("%w: order %d belongs to %s", ErrUnauthorized, id, o.Maker.Hex())
	}

	batch := x.store.NewBatch()
	defer batch.Close()
	if err := batch.SetStatus(id, OrderCancelled); err != nil {
		return CancelEvent{}, err
	}
	if err := batch.Commit(); err != nil {
		return CancelEvent{}, fmt.Errorf("failed to persist cancel: %w", err)
	}
	x.statuses[id] = OrderCancelled

	return CancelEvent{Order: *o, Timestamp: x.clock.Now().UnixMilli()}, nil
}

// FillOrder fills an Open order whole, atomically swapping custodial
// balances between maker and taker. The taker pays a fee of
// amountGet * feePercent / 100 (rounded down) in the tokenGet
// denomination, credited to the fee account. An order whose maker can no
// longer cover amountGive fails to fill and stays Open.
func (x *Exchange) FillOrder(caller common.Address, id uint64) error {
	ev, err := x.applyFillOrder(caller, id)
	if err != nil {
		return err
	}

	x.tradeFeed.Send(ev)
	x.log.Infow("order_filled", "id", id, "taker", caller.Hex(), "maker", ev.Trade.Maker.Hex(),
		"amount_get", ev.Trade.AmountGet.String(), "amount_give", ev.Trade.AmountGive.String(), "fee", ev.Trade.FeeAmount.String())
	return nil
}

func (x *Exchange) applyFillOrder(caller common.Address, id uint64) (TradeEvent, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	o, ok := x.orders[id]
	if !ok {
		return TradeEvent{}, fmt.Errorf("%w: id %d", ErrOrderNotFound, id)
	}
	if st, closed := x.statuses[id]; closed {
		return TradeEvent{}, fmt.Errorf("%w: order %d is %s", ErrOrderAlreadyClosed, id, st)
	}

	fee := new(big.Int).Mul(o.AmountGet, new(big.Int).SetUint64(x.cfg.FeePercent))
	fee.Div(fee, big.NewInt(100))
	takerCost := new(big.Int).Add(o.AmountGet, fee)

	// Every check precedes every mutation, so a rejected fill has zero
	// side effects and the order remains Open for a future attempt.
	if bal := x.balance(o.TokenGet, caller); bal.Cmp(takerCost) < 0 {
		return TradeEvent{}, fmt.Errorf("%w: taker has %s of %s, needs %s", ErrInsufficientBalance, bal, o.TokenGet.Hex(), takerCost)
	}
	if bal := x.balance(o.TokenGive, o.Maker); bal.Cmp(o.AmountGive) < 0 {
		return TradeEvent{}, fmt.Errorf("%w: maker has %s of %s, needs %s", ErrInsufficientBalance, bal, o.TokenGive.Hex(), o.AmountGive)
	}

	// Sequential application keeps aliased cells (maker == taker, or a
	// token traded against itself) consistent.
	writes := x.applyFill(o, caller, takerCost, fee)

	ts := x.clock.Now().UnixMilli()
	trade := &Trade{
		OrderID:    id,
		Taker:      caller,
		TokenGet:   o.TokenGet,
		AmountGet:  new(big.Int).Set(o.AmountGet),
		TokenGive:  o.TokenGive,
		AmountGive: new(big.Int).Set(o.AmountGive),
		FeeAmount:  fee,
		Maker:      o.Maker,
		Timestamp:  ts,
	}

	batch := x.store.NewBatch()
	defer batch.Close()
	for _, w := range writes {
		if err := batch.SetBalance(w.token, w.user, w.amount); err != nil {
			x.revert(writes)
			return TradeEvent{}, err
		}
	}
	if err := batch.SetStatus(id, OrderFilled); err != nil {
		x.revert(writes)
		return TradeEvent{}, err
	}
	if err := batch.PutTrade(trade); err != nil {
		x.revert(writes)
		return TradeEvent{}, err
	}
	if err := batch.Commit(); err != nil {
		x.revert(writes)
		return TradeEvent{}, fmt.Errorf("failed to persist fill: %w", err)
	}
	x.statuses[id] = OrderFilled

	return TradeEvent{Trade: *trade}, nil
}

// balanceWrite is one mutated custody cell, with its prior value kept for
// revert on persistence failure.
type balanceWrite struct {
	token  common.Address
	user   common.Address
	amount *big.Int
}

type fillWrite struct {
	balanceWrite
	prev *big.Int
}

// applyFill mutates the in-memory balance cells of a fill in settlement
// order and returns the touched cells with their prior values.
func (x *Exchange) applyFill(o *Order, taker common.Address, takerCost, fee *big.Int) []fillWrite {
	var writes []fillWrite
	apply := func(tokenAddr, user common.Address, delta *big.Int, debit bool) {
		prev := x.balance(tokenAddr, user)
		var next *big.Int
		if debit {
			next = new(big.Int).Sub(prev, delta)
		} else {
			next = new(big.Int).Add(prev, delta)
		}
		x.setBalance(tokenAddr, user, next)
		writes = append(writes, fillWrite{balanceWrite{tokenAddr, user, next}, prev})
	}

	apply(o.TokenGet, taker, takerCost, true)        // taker pays amountGet + fee
	apply(o.TokenGet, o.Maker, o.AmountGet, false)   // maker receives their ask
	apply(o.TokenGet, x.cfg.FeeAccount, fee, false)  // fee account collects
	apply(o.TokenGive, o.Maker, o.AmountGive, true)  // maker gives up the offered side
	apply(o.TokenGive, taker, o.AmountGive, false)   // taker receives it
	return writes
}

// revert restores the prior values of fill writes, newest first.
func (x *Exchange) revert(writes []fillWrite) {
	for i := len(writes) - 1; i >= 0; i-- {
		x.setBalance(writes[i].token, writes[i].user, writes[i].prev)
	}
}

// OrderStatus returns the lifecycle state of an order.
func (x *Exchange) OrderStatus(id uint64) (OrderStatus, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if _, ok := x.orders[id]; !ok {
		return 0, fmt.Errorf("%w: id %d", ErrOrderNotFound, id)
	}
	if st, ok := x.statuses[id]; ok {
		return st, nil
	}
	return OrderOpen, nil
}

// Order returns a copy of the order record.
func (x *Exchange) Order(id uint64) (Order, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	o, ok := x.orders[id]
	if !ok {
		return Order{}, fmt.Errorf("%w: id %d", ErrOrderNotFound, id)
	}
	return *o, nil
}

// OpenOrders returns all Open orders sorted by id.
func (x *Exchange) OpenOrders() []Order {
	x.mu.RLock()
	defer x.mu.RUnlock()
	var out []Order
	for id, o := range x.orders {
		if _, closed := x.statuses[id]; !closed {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AllOrders returns the whole registry sorted by id, regardless of status.
func (x *Exchange) AllOrders() []Order {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]Order, 0, len(x.orders))
	for _, o := range x.orders {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Trades returns up to limit recent trades, newest first.
func (x *Exchange) Trades(limit int) ([]Trade, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.store.RecentTrades(limit)
}

func (x *Exchange) ledger(tokenAddr common.Address) (Ledger, error) {
	ledger, err := x.ledgers.Ledger(tokenAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownToken, tokenAddr.Hex())
	}
	return ledger, nil
}

// balance returns the live cell value (not a copy). Caller holds a lock.
func (x *Exchange) balance(tokenAddr, user common.Address) *big.Int {
	if users, ok := x.balances[tokenAddr]; ok {
		if bal, ok := users[user]; ok {
			return bal
		}
	}
	return new(big.Int)
}

// setBalance overwrites a cell. Caller holds the write lock.
func (x *Exchange) setBalance(tokenAddr, user common.Address, amount *big.Int) {
	users, ok := x.balances[tokenAddr]
	if !ok {
		users = make(map[common.Address]*big.Int)
		x.balances[tokenAddr] = users
	}
	users[user] = amount
}

// persistBalances commits one or more balance cells in a single batch.
func (x *Exchange) persistBalances(writes ...balanceWrite) error {
	batch := x.store.NewBatch()
	defer batch.Close()
	for _, w := range writes {
		if err := batch.SetBalance(w.token, w.user, w.amount); err != nil {
			return err
		}
	}
	return batch.Commit()
}
