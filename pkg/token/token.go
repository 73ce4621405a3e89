package token

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
)

// Ledger errors. Callers match with errors.Is.
var (
	ErrInvalidAmount         = errors.New("token: invalid amount")
	ErrInvalidAddress        = errors.New("token: invalid address")
	ErrSelfApproval          = errors.New("token: cannot approve self")
	ErrInsufficientBalance   = errors.New("token: insufficient balance")
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
)

// TransferEvent is emitted on every successful Transfer/TransferFrom.
type TransferEvent struct {
	Token common.Address
	From  common.Address
	To    common.Address
	Value *big.Int
}

// ApprovalEvent is emitted on every successful Approve.
type ApprovalEvent struct {
	Token   common.Address
	Owner   common.Address
	Spender common.Address
	Value   *big.Int
}

// Token is an in-process fungible-balance ledger with owner-authorized
// delegated transfers. It mirrors the ERC-20 surface the exchange escrows
// against: balances are non-negative integers in 18-decimal base units,
// allowances are set by the owner and burned down by TransferFrom.
//
// Since there is no transaction signer here, every mutating method takes
// the acting account as its first argument.
//
// A token deployed through a store-backed Registry writes every balance
// and allowance change through to the store, so ledger state survives a
// restart alongside the exchange's custody state.
type Token struct {
	Name        string
	Symbol      string
	TokenAddr   common.Address
	totalSupply *big.Int
	store       *Store // nil for a purely in-memory ledger

	mu         sync.RWMutex
	balances   map[common.Address]*big.Int
	allowances map[common.Address]map[common.Address]*big.Int

	transferFeed event.Feed
	approvalFeed event.Feed
}

// New deploys a token at addr, minting the total supply to the deployer.
func New(name, symbol string, addr common.Address, deployer common.Address, totalSupply *big.Int) (*Token, error) {
	if totalSupply == nil || totalSupply.Sign() <= 0 {
		return nil, fmt.Errorf("%w: total supply must be positive", ErrInvalidAmount)
	}
	if deployer == (common.Address{}) {
		return nil, fmt.Errorf("%w: zero deployer", ErrInvalidAddress)
	}

	t := &Token{
		Name:        name,
		Symbol:      symbol,
		TokenAddr:   addr,
		totalSupply: new(big.Int).Set(totalSupply),
		balances:    make(map[common.Address]*big.Int),
		allowances:  make(map[common.Address]map[common.Address]*big.Int),
	}
	t.balances[deployer] = new(big.Int).Set(totalSupply)
	return t, nil
}

// Decimals is fixed at 18, matching the original deployment.
func (t *Token) Decimals() uint8 { return 18 }

// Address returns the token's ledger address.
func (t *Token) Address() common.Address { return t.TokenAddr }

// TotalSupply returns the fixed supply minted at deployment.
func (t *Token) TotalSupply() *big.Int {
	return new(big.Int).Set(t.totalSupply)
}

// BalanceOf returns the owner's balance, zero if unset. Never fails.
func (t *Token) BalanceOf(owner common.Address) *big.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if bal, ok := t.balances[owner]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

// Allowance returns how much spender may move on owner's behalf.
func (t *Token) Allowance(owner, spender common.Address) *big.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if spenders, ok := t.allowances[owner]; ok {
		if allowed, ok := spenders[spender]; ok {
			return new(big.Int).Set(allowed)
		}
	}
	return new(big.Int)
}

// Transfer moves amount from caller's own balance to `to`.
// No partial transfer: the whole amount moves or nothing does.
func (t *Token) Transfer(caller, to common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	if to == (common.Address{}) {
		return fmt.Errorf("%w: transfer to zero address", ErrInvalidAddress)
	}

	t.mu.Lock()
	if err := t.move(caller, to, amount); err != nil {
		t.mu.Unlock()
		return err
	}
	if err := t.persist(func(b *Batch) error {
		if err := b.SetBalance(t.TokenAddr, caller, t.balances[caller]); err != nil {
			return err
		}
		return b.SetBalance(t.TokenAddr, to, t.balances[to])
	}); err != nil {
		t.move(to, caller, amount)
		t.mu.Unlock()
		return fmt.Errorf("failed to persist transfer: %w", err)
	}
	t.mu.Unlock()

	t.transferFeed.Send(TransferEvent{Token: t.TokenAddr, From: caller, To: to, Value: new(big.Int).Set(amount)})
	return nil
}

// Approve sets caller's allowance for spender to amount (overwrite, not add).
func (t *Token) Approve(caller, spender common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("%w: nil or negative allowance", ErrInvalidAmount)
	}
	if spender == (common.Address{}) {
		return fmt.Errorf("%w: approve zero address", ErrInvalidAddress)
	}
	if spender == caller {
		return ErrSelfApproval
	}

	t.mu.Lock()
	if err := t.persist(func(b *Batch) error {
		return b.SetAllowance(t.TokenAddr, caller, spender, amount)
	}); err != nil {
		t.mu.Unlock()
		return fmt.Errorf("failed to persist approval: %w", err)
	}
	spenders, ok := t.allowances[caller]
	if !ok {
		spenders = make(map[common.Address]*big.Int)
		t.allowances[caller] = spenders
	}
	spenders[spender] = new(big.Int).Set(amount)
	t.mu.Unlock()

	t.approvalFeed.Send(ApprovalEvent{Token: t.TokenAddr, Owner: caller, Spender: spender, Value: new(big.Int).Set(amount)})
	return nil
}

// TransferFrom moves amount from `from` to `to`, burning down the caller's
// allowance from `from`. Fails without side effects if the allowance or
// the source balance is insufficient.
func (t *Token) TransferFrom(caller, from, to common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	if to == (common.Address{}) {
		return fmt.Errorf("%w: transfer to zero address", ErrInvalidAddress)
	}

	t.mu.Lock()

	allowed := new(big.Int)
	if spenders, ok := t.allowances[from]; ok {
		if a, ok := spenders[caller]; ok {
			allowed = a
		}
	}
	if allowed.Cmp(amount) < 0 {
		t.mu.Unlock()
		return fmt.Errorf("%w: allowed %s, need %s", ErrInsufficientAllowance, allowed, amount)
	}

	if err := t.move(from, to, amount); err != nil {
		t.mu.Unlock()
		return err
	}
	newAllowed := new(big.Int).Sub(allowed, amount)
	if err := t.persist(func(b *Batch) error {
		if err := b.SetBalance(t.TokenAddr, from, t.balances[from]); err != nil {
			return err
		}
		if err := b.SetBalance(t.TokenAddr, to, t.balances[to]); err != nil {
			return err
		}
		return b.SetAllowance(t.TokenAddr, from, caller, newAllowed)
	}); err != nil {
		t.move(to, from, amount)
		t.mu.Unlock()
		return fmt.Errorf("failed to persist transfer: %w", err)
	}
	t.allowances[from][caller] = newAllowed
	t.mu.Unlock()

	t.transferFeed.Send(TransferEvent{Token: t.TokenAddr, From: from, To: to, Value: new(big.Int).Set(amount)})
	return nil
}

// SubscribeTransfers delivers TransferEvents to ch until unsubscribed.
func (t *Token) SubscribeTransfers(ch chan<- TransferEvent) event.Subscription {
	return t.transferFeed.Subscribe(ch)
}

// SubscribeApprovals delivers ApprovalEvents to ch until unsubscribed.
func (t *Token) SubscribeApprovals(ch chan<- ApprovalEvent) event.Subscription {
	return t.approvalFeed.Subscribe(ch)
}

// persist runs write against a fresh batch and commits it atomically.
// No-op on an in-memory ledger. Caller holds the write lock.
func (t *Token) persist(write func(*Batch) error) error {
	if t.store == nil {
		return nil
	}
	batch := t.store.NewBatch()
	defer batch.Close()
	if err := write(batch); err != nil {
		return err
	}
	return batch.Commit()
}

// move debits from and credits to. Caller holds the write lock.
func (t *Token) move(from, to common.Address, amount *big.Int) error {
	bal, ok := t.balances[from]
	if !ok || bal.Cmp(amount) < 0 {
		have := new(big.Int)
		if ok {
			have = bal
		}
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, have, amount)
	}

	t.balances[from] = new(big.Int).Sub(bal, amount)
	dst, ok := t.balances[to]
	if !ok {
		dst = new(big.Int)
	}
	t.balances[to] = new(big.Int).Add(dst, amount)
	return nil
}

func checkAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}
	return nil
}
