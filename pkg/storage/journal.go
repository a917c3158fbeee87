// Package storage keeps an append-only history of applied orders and trades.
// Books are never rebuilt from it.
package storage

import (
	"github.com/uhyunpark/replex/pkg/orderbook"
)

// OrderRecord is one order applied to the local book, tagged with the node
// that accepted it and the lock grant it was accepted under.
type OrderRecord struct {
	Origin string          `json:"origin"`
	Seq    uint64          `json:"seq"`
	Order  orderbook.Order `json:"order"`
}

type Journal interface {
	RecordOrder(origin string, seq uint64, o orderbook.Order) error
	RecordTrades(trades []orderbook.Trade) error
	// RecentTrades returns up to limit trades, newest first.
	RecentTrades(limit int) ([]orderbook.Trade, error)
	// RecentOrders returns up to limit order records, newest first.
	RecentOrders(limit int) ([]OrderRecord, error)
	Close() error
}
