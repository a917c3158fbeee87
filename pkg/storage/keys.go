package storage

import "encoding/binary"

// Key schema:
//
//	o:<8-byte counter> → OrderRecord (JSON)
//	t:<8-byte counter> → orderbook.Trade (JSON)
//
// Counters are big-endian so iteration order is append order.
const (
	prefixOrder = "o:"
	prefixTrade = "t:"
)

func seqKey(prefix string, n uint64) []byte {
	k := make([]byte, len(prefix)+8)
	copy(k, prefix)
	binary.BigEndian.PutUint64(k[len(prefix):], n)
	return k
}

func keySeq(prefix string, k []byte) uint64 {
	if len(k) != len(prefix)+8 {
		return 0
	}
	return binary.BigEndian.Uint64(k[len(prefix):])
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
