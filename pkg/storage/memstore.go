package storage

import (
	"sync"

	"github.com/uhyunpark/replex/pkg/orderbook"
)

// MemJournal keeps history in memory. It is the default when no journal
// path is configured.
type MemJournal struct {
	mu     sync.Mutex
	orders []OrderRecord
	trades []orderbook.Trade
}

var _ Journal = (*MemJournal)(nil)

func NewMemJournal() *MemJournal { return &MemJournal{} }

func (j *MemJournal) RecordOrder(origin string, seq uint64, o orderbook.Order) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.orders = append(j.orders, OrderRecord{Origin: origin, Seq: seq, Order: o})
	return nil
}

func (j *MemJournal) RecordTrades(trades []orderbook.Trade) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.trades = append(j.trades, trades...)
	return nil
}

func (j *MemJournal) RecentTrades(limit int) ([]orderbook.Trade, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return newestFirst(j.trades, limit), nil
}

func (j *MemJournal) RecentOrders(limit int) ([]OrderRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return newestFirst(j.orders, limit), nil
}

func (j *MemJournal) Close() error { return nil }

func newestFirst[T any](all []T, limit int) []T {
	if limit <= 0 {
		return nil
	}
	var out []T
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out
}
