package wire

import (
	"encoding/json"

	"github.com/uhyunpark/replex/pkg/orderbook"
)

// Response frames every reply on the wire. Exactly one of Error and Data is set.
type Response struct {
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Ack answers an orderAdded broadcast.
type Ack struct {
	Message string `json:"message"`
}

// OrderAck answers an addOrder once the lock has been released.
type OrderAck struct {
	Message string            `json:"message"`
	Ref     string            `json:"ref"`
	Seq     uint64            `json:"seq"`
	Trades  []orderbook.Trade `json:"trades"`
	// Stale lists peers that did not acknowledge the replication broadcast.
	Stale []string `json:"stale,omitempty"`
}

type OrderBookReply struct {
	OrderBook orderbook.Snapshot `json:"orderbook"`
}

type LockGranted struct {
	LockGranted bool   `json:"lockGranted"`
	Token       string `json:"token"`
	Seq         uint64 `json:"seq"`
}

type LockReleased struct {
	LockReleased bool `json:"lockReleased"`
}

type LockCancelled struct {
	LockCancelled bool `json:"lockCancelled"`
}
