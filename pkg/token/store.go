package token

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
)

// Pebble key schema. Prefix-based so each table supports range scans:
//
//   tok:<addr>                      → token metadata (JSON)
//   bal:<token>:<owner>             → balance (decimal string)
//   allow:<token>:<owner>:<spender> → allowance (decimal string)
const (
	prefixMeta      = "tok:"
	prefixBalance   = "bal:"
	prefixAllowance = "allow:"
)

func metaKey(addr common.Address) []byte {
	return []byte(prefixMeta + addr.Hex())
}

func balanceKey(tokenAddr, owner common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixBalance, tokenAddr.Hex(), owner.Hex()))
}

func allowanceKey(tokenAddr, owner, spender common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:%s", prefixAllowance, tokenAddr.Hex(), owner.Hex(), spender.Hex()))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan.
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}

// tokenMeta is the persisted deployment record of a token.
type tokenMeta struct {
	Name        string `json:"name"`
	Symbol      string `json:"symbol"`
	TotalSupply string `json:"totalSupply"`
}

// Store is the ledger persistence layer. It is not safe for concurrent
// use on its own: every call goes through a Token's or the Registry's
// mutex.
type Store struct {
	db        *pebble.DB
	closeOnce sync.Once
}

// OpenStore opens (or creates) a Pebble database at the given path.
func OpenStore(dbPath string) (*Store, error) {
	opts := &pebble.Options{
		Cache:                 pebble.NewCache(64 << 20),
		MemTableSize:          32 << 20,
		L0CompactionThreshold: 2,
		L0StopWritesThreshold: 12,
		MaxOpenFiles:          1000,
		BytesPerSync:          512 << 10,
	}

	db, err := pebble.Open(dbPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", dbPath, err)
	}
	return &Store{db: db}, nil
}

// Close closes the database. Safe to call more than once.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() { err = s.db.Close() })
	return err
}

// loadMetas scans the deployment records of every persisted token.
func (s *Store) loadMetas() (map[common.Address]tokenMeta, error) {
	prefix := []byte(prefixMeta)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	metas := make(map[common.Address]tokenMeta)
	for iter.First(); iter.Valid(); iter.Next() {
		var meta tokenMeta
		if err := json.Unmarshal(iter.Value(), &meta); err != nil {
			return nil, fmt.Errorf("failed to unmarshal token %s: %w", iter.Key(), err)
		}
		addr := common.HexToAddress(strings.TrimPrefix(string(iter.Key()), prefixMeta))
		metas[addr] = meta
	}
	return metas, nil
}

// balanceEntry is one ledger balance cell recovered from a scan.
type balanceEntry struct {
	token  common.Address
	owner  common.Address
	amount *big.Int
}

func (s *Store) loadBalances() ([]balanceEntry, error) {
	prefix := []byte(prefixBalance)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var entries []balanceEntry
	for iter.First(); iter.Valid(); iter.Next() {
		parts := strings.Split(string(iter.Key()), ":")
		if len(parts) != 3 {
			continue
		}
		amount, ok := new(big.Int).SetString(string(iter.Value()), 10)
		if !ok {
			continue
		}
		entries = append(entries, balanceEntry{
			token:  common.HexToAddress(parts[1]),
			owner:  common.HexToAddress(parts[2]),
			amount: amount,
		})
	}
	return entries, nil
}

// allowanceEntry is one allowance cell recovered from a scan.
type allowanceEntry struct {
	token   common.Address
	owner   common.Address
	spender common.Address
	amount  *big.Int
}

func (s *Store) loadAllowances() ([]allowanceEntry, error) {
	prefix := []byte(prefixAllowance)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var entries []allowanceEntry
	for iter.First(); iter.Valid(); iter.Next() {
		parts := strings.Split(string(iter.Key()), ":")
		if len(parts) != 4 {
			continue
		}
		amount, ok := new(big.Int).SetString(string(iter.Value()), 10)
		if !ok {
			continue
		}
		entries = append(entries, allowanceEntry{
			token:   common.HexToAddress(parts[1]),
			owner:   common.HexToAddress(parts[2]),
			spender: common.HexToAddress(parts[3]),
			amount:  amount,
		})
	}
	return entries, nil
}

// Batch accumulates the writes of a single ledger operation so a
// transfer's two balance cells (and an allowance burn, for delegated
// transfers) land in one atomic commit.
type Batch struct {
	batch *pebble.Batch
}

func (s *Store) NewBatch() *Batch {
	return &Batch{batch: s.db.NewBatch()}
}

func (b *Batch) PutToken(addr common.Address, name, symbol string, totalSupply *big.Int) error {
	data, err := json.Marshal(tokenMeta{Name: name, Symbol: symbol, TotalSupply: totalSupply.String()})
	if err != nil {
		return fmt.Errorf("failed to marshal token %s: %w", symbol, err)
	}
	return b.batch.Set(metaKey(addr), data, nil)
}

func (b *Batch) SetBalance(tokenAddr, owner common.Address, amount *big.Int) error {
	return b.batch.Set(balanceKey(tokenAddr, owner), []byte(amount.String()), nil)
}

func (b *Batch) SetAllowance(tokenAddr, owner, spender common.Address, amount *big.Int) error {
	return b.batch.Set(allowanceKey(tokenAddr, owner, spender), []byte(amount.String()), nil)
}

// Commit writes the batch durably and atomically.
func (b *Batch) Commit() error {
	return b.batch.Commit(pebble.Sync)
}

// Close discards the batch without committing.
func (b *Batch) Close() error {
	return b.batch.Close()
}
