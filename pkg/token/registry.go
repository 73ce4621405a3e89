package token

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrUnknownToken = errors.New("token: unknown token")

// Registry holds every deployed token, keyed by ledger address. A
// registry opened over a Store rehydrates persisted ledgers and writes
// every deployment and mutation through.
type Registry struct {
	store *Store // nil for a purely in-memory registry

	mu     sync.RWMutex
	tokens map[common.Address]*Token
}

// NewRegistry creates an empty in-memory registry. Nothing survives a
// restart; use OpenRegistry for a durable one.
func NewRegistry() *Registry {
	return &Registry{tokens: make(map[common.Address]*Token)}
}

// OpenRegistry loads every persisted ledger from the store. Tokens
// deployed through the returned registry persist their deployment record,
// and all their balance and allowance changes write through to the store.
func OpenRegistry(store *Store) (*Registry, error) {
	r := &Registry{store: store, tokens: make(map[common.Address]*Token)}

	metas, err := store.loadMetas()
	if err != nil {
		return nil, fmt.Errorf("failed to load tokens: %w", err)
	}
	for addr, meta := range metas {
		supply, ok := new(big.Int).SetString(meta.TotalSupply, 10)
		if !ok {
			return nil, fmt.Errorf("corrupt total supply for token %s", meta.Symbol)
		}
		r.tokens[addr] = &Token{
			Name:        meta.Name,
			Symbol:      meta.Symbol,
			TokenAddr:   addr,
			totalSupply: supply,
			store:       store,
			balances:    make(map[common.Address]*big.Int),
			allowances:  make(map[common.Address]map[common.Address]*big.Int),
		}
	}

	balances, err := store.loadBalances()
	if err != nil {
		return nil, fmt.Errorf("failed to load balances: %w", err)
	}
	for _, e := range balances {
		if t, ok := r.tokens[e.token]; ok {
			t.balances[e.owner] = e.amount
		}
	}

	allowances, err := store.loadAllowances()
	if err != nil {
		return nil, fmt.Errorf("failed to load allowances: %w", err)
	}
	for _, e := range allowances {
		t, ok := r.tokens[e.token]
		if !ok {
			continue
		}
		spenders, ok := t.allowances[e.owner]
		if !ok {
			spenders = make(map[common.Address]*big.Int)
			t.allowances[e.owner] = spenders
		}
		spenders[e.spender] = e.amount
	}

	return r, nil
}

// DeriveAddress computes a deterministic ledger address for a symbol.
// Keccak of the symbol, truncated to 20 bytes the way contract addresses are.
func DeriveAddress(symbol string) common.Address {
	return common.BytesToAddress(crypto.Keccak256([]byte("token:" + symbol))[12:])
}

// Deploy creates a token at its derived address and registers it.
// The deployer receives the full supply.
func (r *Registry) Deploy(name, symbol string, deployer common.Address, totalSupply *big.Int) (*Token, error) {
	addr := DeriveAddress(symbol)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tokens[addr]; exists {
		return nil, fmt.Errorf("token %s already deployed at %s", symbol, addr.Hex())
	}

	t, err := New(name, symbol, addr, deployer, totalSupply)
	if err != nil {
		return nil, err
	}
	t.store = r.store

	if r.store != nil {
		batch := r.store.NewBatch()
		defer batch.Close()
		if err := batch.PutToken(addr, name, symbol, totalSupply); err != nil {
			return nil, err
		}
		if err := batch.SetBalance(addr, deployer, totalSupply); err != nil {
			return nil, err
		}
		if err := batch.Commit(); err != nil {
			return nil, fmt.Errorf("failed to persist token %s: %w", symbol, err)
		}
	}

	r.tokens[addr] = t
	return t, nil
}

// Token returns the token deployed at addr.
func (r *Registry) Token(addr common.Address) (*Token, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tokens[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownToken, addr.Hex())
	}
	return t, nil
}

// BySymbol looks a token up by its symbol.
func (r *Registry) BySymbol(symbol string) (*Token, error) {
	return r.Token(DeriveAddress(symbol))
}

// List returns all deployed tokens in no particular order.
func (r *Registry) List() []*Token {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Token, 0, len(r.tokens))
	for _, t := range r.tokens {
		out = append(out, t)
	}
	return out
}
