package orderbook

import (
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

var ErrInvalidOrder = errors.New("invalid order")

// OrderBook is one node's replica of a single-symbol book.
//
// Every admission runs matching to a fixed point, so between calls the book is
// never crossed: one side is empty or best bid < best ask.
type OrderBook struct {
	mu sync.RWMutex

	symbol string
	buys   *sideQueue
	sells  *sideQueue

	lastPrice decimal.Decimal // most recent fill price
}

func New(symbol string) *OrderBook {
	return &OrderBook{
		symbol: symbol,
		buys:   newBuyQueue(),
		sells:  newSellQueue(),
	}
}

func (ob *OrderBook) Symbol() string { return ob.symbol }

// Validate reports why o can never enter the book.
func (ob *OrderBook) Validate(o Order) error {
	if o.Side != Buy && o.Side != Sell {
		return fmt.Errorf("%w: side must be buy or sell", ErrInvalidOrder)
	}
	if !o.Price.IsPositive() {
		return fmt.Errorf("%w: price must be greater than 0", ErrInvalidOrder)
	}
	if !o.Quantity.IsPositive() {
		return fmt.Errorf("%w: quantity must be greater than 0", ErrInvalidOrder)
	}
	if o.Symbol != "" && ob.symbol != "" && o.Symbol != ob.symbol {
		return fmt.Errorf("%w: symbol %q not traded here", ErrInvalidOrder, o.Symbol)
	}
	return nil
}

// ProcessOrder admits o and matches until the book is no longer crossed.
// The book keeps its own copy of o. An invalid order is rejected with
// ErrInvalidOrder and leaves the book untouched.
func (ob *OrderBook) ProcessOrder(o Order) ([]Trade, error) {
	if err := ob.Validate(o); err != nil {
		return nil, err
	}

	ob.mu.Lock()
	defer ob.mu.Unlock()

	cp := o
	if cp.Symbol == "" {
		cp.Symbol = ob.symbol
	}
	if cp.Side == Buy {
		ob.buys.insert(&cp)
	} else {
		ob.sells.insert(&cp)
	}
	return ob.match(), nil
}

// match trades the heads of both sides while they cross. A partially filled
// head is left in place: its price and timestamp are unchanged, so it keeps
// its queue position ahead of later arrivals at the same price.
func (ob *OrderBook) match() []Trade {
	var trades []Trade
	for ob.buys.Len() > 0 && ob.sells.Len() > 0 {
		buy, sell := ob.buys.peek(), ob.sells.peek()
		if buy.Price.LessThan(sell.Price) {
			break
		}

		qty := decimal.Min(buy.Quantity, sell.Quantity)
		buy.Quantity = buy.Quantity.Sub(qty)
		sell.Quantity = sell.Quantity.Sub(qty)

		ts := buy.Timestamp
		if sell.Timestamp > ts {
			ts = sell.Timestamp
		}
		trades = append(trades, Trade{
			BuyID:     buy.ID,
			SellID:    sell.ID,
			BuyRef:    buy.Ref,
			SellRef:   sell.Ref,
			Symbol:    ob.symbol,
			Price:     buy.Price,
			Quantity:  qty,
			Timestamp: ts,
		})
		ob.lastPrice = buy.Price

		if buy.Quantity.IsZero() {
			ob.buys.pop()
		}
		if sell.Quantity.IsZero() {
			ob.sells.pop()
		}
	}
	return trades
}

// Snapshot renders both sides best-first. It does not mutate the book.
func (ob *OrderBook) Snapshot() Snapshot {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return Snapshot{Buy: ob.buys.views(), Sell: ob.sells.views()}
}

// SnapshotWithLastPrice reads both sides and the last fill price under one
// read lock, so the three always describe the same book state.
func (ob *OrderBook) SnapshotWithLastPrice() (Snapshot, decimal.Decimal) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return Snapshot{Buy: ob.buys.views(), Sell: ob.sells.views()}, ob.lastPrice
}

// BestBid returns the highest resting buy price.
func (ob *OrderBook) BestBid() (decimal.Decimal, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	if o := ob.buys.peek(); o != nil {
		return o.Price, true
	}
	return decimal.Zero, false
}

// BestAsk returns the lowest resting sell price.
func (ob *OrderBook) BestAsk() (decimal.Decimal, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	if o := ob.sells.peek(); o != nil {
		return o.Price, true
	}
	return decimal.Zero, false
}

// Depth returns the number of resting orders on each side.
func (ob *OrderBook) Depth() (buys, sells int) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.buys.Len(), ob.sells.Len()
}

// LastPrice returns the price of the most recent fill, zero if none.
func (ob *OrderBook) LastPrice() decimal.Decimal {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.lastPrice
}
