package exchange

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Pebble key schema. Prefix-based so each table supports range scans:
//
//   bal:<token>:<user>       → custodial balance (decimal string)
//   ord:<id, %020d>          → Order (JSON)
//   stat:<id, %020d>         → OrderStatus (single byte)
//   trade:<timestamp>:<id>   → Trade (JSON)
//   seq:order                → last assigned order id
//
// Order ids and trade timestamps are zero-padded for lexicographic order.
const (
	prefixBalance = "bal:"
	prefixOrder   = "ord:"
	prefixStatus  = "stat:"
	prefixTrade   = "trade:"
	keyOrderSeq   = "seq:order"
)

func balanceKey(token, user common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixBalance, token.Hex(), user.Hex()))
}

func orderKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixOrder, id))
}

func statusKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixStatus, id))
}

func tradeKey(timestamp int64, orderID uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d:%020d", prefixTrade, timestamp, orderID))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan.
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
