package orderbook

import (
	"testing"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"
)

func genOrder(t *rapid.T, i int) Order {
	side := Buy
	if rapid.Bool().Draw(t, "sell") {
		side = Sell
	}
	// prices and sizes with two decimal places, all strictly positive
	price := decimal.New(rapid.Int64Range(1, 500).Draw(t, "price"), -2)
	qty := decimal.New(rapid.Int64Range(1, 1000).Draw(t, "qty"), -2)
	return Order{
		ID:        OrderID(rune('a' + i%26)),
		Side:      side,
		Price:     price,
		Quantity:  qty,
		Timestamp: rapid.Int64Range(0, 50).Draw(t, "ts"),
	}
}

func TestProperty_BookNeverCrossed(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ob := New(testSymbol)
		n := rapid.IntRange(1, 60).Draw(t, "n")
		for i := 0; i < n; i++ {
			if _, err := ob.ProcessOrder(genOrder(t, i)); err != nil {
				t.Fatalf("valid order rejected: %v", err)
			}
			bid, hasBid := ob.BestBid()
			ask, hasAsk := ob.BestAsk()
			if hasBid && hasAsk && !bid.LessThan(ask) {
				t.Fatalf("book crossed after order %d: bid %s >= ask %s", i, bid, ask)
			}
		}
	})
}

func TestProperty_TradeConsumesOneSide(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ob := New(testSymbol)
		n := rapid.IntRange(1, 40).Draw(t, "n")
		for i := 0; i < n; i++ {
			o := genOrder(t, i)
			before := totalQty(ob.Snapshot())
			trades, err := ob.ProcessOrder(o)
			if err != nil {
				t.Fatalf("valid order rejected: %v", err)
			}
			traded := decimal.Zero
			for _, tr := range trades {
				if !tr.Quantity.IsPositive() {
					t.Fatalf("non-positive trade quantity %s", tr.Quantity)
				}
				traded = traded.Add(tr.Quantity)
			}
			// every unit traded leaves both sides of the book
			after := totalQty(ob.Snapshot())
			want := before.Add(o.Quantity).Sub(traded.Mul(decimal.NewFromInt(2)))
			if !after.Equal(want) {
				t.Fatalf("quantity not conserved: before=%s in=%s traded=%s after=%s", before, o.Quantity, traded, after)
			}
		}
	})
}

func TestProperty_RestingOrdersSorted(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ob := New(testSymbol)
		n := rapid.IntRange(1, 40).Draw(t, "n")
		for i := 0; i < n; i++ {
			_, _ = ob.ProcessOrder(genOrder(t, i))
		}
		snap := ob.Snapshot()
		checkSorted(t, snap.Buy, func(a, b decimal.Decimal) bool { return a.GreaterThan(b) })
		checkSorted(t, snap.Sell, func(a, b decimal.Decimal) bool { return a.LessThan(b) })
	})
}

func checkSorted(t *rapid.T, side []OrderView, better func(a, b decimal.Decimal) bool) {
	for i := 1; i < len(side); i++ {
		prev := decimal.RequireFromString(side[i-1].Price)
		cur := decimal.RequireFromString(side[i].Price)
		if better(cur, prev) {
			t.Fatalf("side out of price order at %d: %s before %s", i, prev, cur)
		}
		if prev.Equal(cur) && side[i].Timestamp < side[i-1].Timestamp {
			t.Fatalf("equal price out of time order at %d", i)
		}
		if !decimal.RequireFromString(side[i].Quantity).IsPositive() {
			t.Fatalf("resting order with non-positive quantity at %d", i)
		}
	}
}

func totalQty(s Snapshot) decimal.Decimal {
	sum := decimal.Zero
	for _, v := range s.Buy {
		sum = sum.Add(decimal.RequireFromString(v.Quantity))
	}
	for _, v := range s.Sell {
		sum = sum.Add(decimal.RequireFromString(v.Quantity))
	}
	return sum
}
