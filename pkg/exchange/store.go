package exchange

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
)

// Store is the exchange's Pebble persistence layer. It is not safe for
// concurrent use on its own: every call goes through the Exchange mutex.
type Store struct {
	db *pebble.DB
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

func (s *Store) Close() error {
	return s.db.Close()
}

// balanceEntry is one custodial balance cell recovered from a scan.
type balanceEntry struct {
	token  common.Address
	user   common.Address
	amount *big.Int
}

// loadBalances scans every balance cell.
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
			user:   common.HexToAddress(parts[2]),
			amount: amount,
		})
	}
	return entries, nil
}

// loadOrders scans the whole order registry in id order.
func (s *Store) loadOrders() ([]*Order, error) {
	prefix := []byte(prefixOrder)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var orders []*Order
	for iter.First(); iter.Valid(); iter.Next() {
		var o Order
		if err := json.Unmarshal(iter.Value(), &o); err != nil {
			return nil, fmt.Errorf("failed to unmarshal order %s: %w", iter.Key(), err)
		}
		orders = append(orders, &o)
	}
	return orders, nil
}

// loadStatuses scans the out-of-band status table.
func (s *Store) loadStatuses() (map[uint64]OrderStatus, error) {
	prefix := []byte(prefixStatus)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	statuses := make(map[uint64]OrderStatus)
	for iter.First(); iter.Valid(); iter.Next() {
		var id uint64
		if _, err := fmt.Sscanf(strings.TrimPrefix(string(iter.Key()), prefixStatus), "%d", &id); err != nil {
			continue
		}
		if v := iter.Value(); len(v) == 1 {
			statuses[id] = OrderStatus(v[0])
		}
	}
	return statuses, nil
}

// lastOrderID returns the highest id ever assigned, zero if none.
func (s *Store) lastOrderID() (uint64, error) {
	data, closer, err := s.db.Get([]byte(keyOrderSeq))
	if err == pebble.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get order sequence: %w", err)
	}
	defer closer.Close()
	if len(data) != 8 {
		return 0, fmt.Errorf("corrupt order sequence: %d bytes", len(data))
	}
	return binary.BigEndian.Uint64(data), nil
}

// RecentTrades returns the most recent trades, newest first.
func (s *Store) RecentTrades(limit int) ([]Trade, error) {
	prefix := []byte(prefixTrade)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var trades []Trade
	for iter.Last(); iter.Valid() && len(trades) < limit; iter.Prev() {
		var tr Trade
		if err := json.Unmarshal(iter.Value(), &tr); err != nil {
			continue
		}
		trades = append(trades, tr)
	}
	return trades, nil
}

// Batch accumulates the writes of a single exchange operation so a fill's
// balance cells, status flip, and trade record land in one atomic commit.
type Batch struct {
	batch *pebble.Batch
}

func (s *Store) NewBatch() *Batch {
	return &Batch{batch: s.db.NewBatch()}
}

func (b *Batch) SetBalance(token, user common.Address, amount *big.Int) error {
	return b.batch.Set(balanceKey(token, user), []byte(amount.String()), nil)
}

func (b *Batch) PutOrder(o *Order) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to marshal order %d: %w", o.ID, err)
	}
	return b.batch.Set(orderKey(o.ID), data, nil)
}

func (b *Batch) SetStatus(id uint64, status OrderStatus) error {
	return b.batch.Set(statusKey(id), []byte{byte(status)}, nil)
}

func (b *Batch) PutTrade(tr *Trade) error {
	data, err := json.Marshal(tr)
	if err != nil {
		return fmt.Errorf("failed to marshal trade for order %d: %w", tr.OrderID, err)
	}
	return b.batch.Set(tradeKey(tr.Timestamp, tr.OrderID), data, nil)
}

func (b *Batch) SetLastOrderID(id uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id)
	return b.batch.Set([]byte(keyOrderSeq), buf[:], nil)
}

// Commit writes the batch durably and atomically.
func (b *Batch) Commit() error {
	return b.batch.Commit(pebble.Sync)
}

// Close discards the batch without committing.
func (b *Batch) Close() error {
	return b.batch.Close()
}
