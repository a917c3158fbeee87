package storage

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/uhyunpark/replex/pkg/orderbook"
)

type PebbleJournal struct {
	db *pebble.DB

	mu        sync.Mutex
	nextOrder uint64
	nextTrade uint64
}

var _ Journal = (*PebbleJournal)(nil)

func NewPebbleJournal(path string) (*PebbleJournal, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	j := &PebbleJournal{db: db}
	if j.nextOrder, err = j.lastSeq(prefixOrder); err != nil {
		db.Close()
		return nil, err
	}
	if j.nextTrade, err = j.lastSeq(prefixTrade); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *PebbleJournal) Close() error { return j.db.Close() }

// lastSeq resumes a counter after a restart.
func (j *PebbleJournal) lastSeq(prefix string) (uint64, error) {
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: keyUpperBound([]byte(prefix)),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	if !iter.Last() {
		return 0, nil
	}
	return keySeq(prefix, iter.Key()), nil
}

func (j *PebbleJournal) RecordOrder(origin string, seq uint64, o orderbook.Order) error {
	data, err := json.Marshal(OrderRecord{Origin: origin, Seq: seq, Order: o})
	if err != nil {
		return fmt.Errorf("failed to marshal order: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	j.nextOrder++
	if err := j.db.Set(seqKey(prefixOrder, j.nextOrder), data, pebble.Sync); err != nil {
		j.nextOrder--
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

// RecordTrades writes all trades of one order in a single batch.
func (j *PebbleJournal) RecordTrades(trades []orderbook.Trade) error {
	if len(trades) == 0 {
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	b := j.db.NewBatch()
	defer b.Close()
	n := j.nextTrade
	for _, t := range trades {
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("failed to marshal trade: %w", err)
		}
		n++
		if err := b.Set(seqKey(prefixTrade, n), data, nil); err != nil {
			return err
		}
	}
	if err := b.Commit(pebble.NoSync); err != nil {
		return fmt.Errorf("failed to save trades: %w", err)
	}
	j.nextTrade = n
	return nil
}

func (j *PebbleJournal) RecentTrades(limit int) ([]orderbook.Trade, error) {
	var trades []orderbook.Trade
	err := j.scanBack(prefixTrade, limit, func(v []byte) error {
		var t orderbook.Trade
		if err := json.Unmarshal(v, &t); err != nil {
			return err
		}
		trades = append(trades, t)
		return nil
	})
	return trades, err
}

func (j *PebbleJournal) RecentOrders(limit int) ([]OrderRecord, error) {
	var records []OrderRecord
	err := j.scanBack(prefixOrder, limit, func(v []byte) error {
		var r OrderRecord
		if err := json.Unmarshal(v, &r); err != nil {
			return err
		}
		records = append(records, r)
		return nil
	})
	return records, err
}

func (j *PebbleJournal) scanBack(prefix string, limit int, fn func([]byte) error) error {
	if limit <= 0 {
		return nil
	}
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: keyUpperBound([]byte(prefix)),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	n := 0
	for iter.Last(); iter.Valid() && n < limit; iter.Prev() {
		if err := fn(iter.Value()); err != nil {
			return fmt.Errorf("decode %q: %w", iter.Key(), err)
		}
		n++
	}
	return iter.Error()
}
