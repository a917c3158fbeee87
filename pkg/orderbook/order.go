package orderbook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

type Side int8

const (
	Buy  Side = 1
	Sell Side = -1
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return "unknown"
	}
}

func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy":
		return Buy, nil
	case "sell":
		return Sell, nil
	default:
		return 0, fmt.Errorf("%w: unknown side %q", ErrInvalidOrder, s)
	}
}

func (s Side) MarshalJSON() ([]byte, error) {
	if s != Buy && s != Sell {
		return nil, fmt.Errorf("cannot marshal side %d", int8(s))
	}
	return json.Marshal(s.String())
}

func (s *Side) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return err
	}
	side, err := ParseSide(str)
	if err != nil {
		return err
	}
	*s = side
	return nil
}

// OrderID is the caller's identifier. It is opaque and not unique across the
// cluster: the reference client draws it from a small random range.
// Numbers and strings are both accepted and kept as their literal text.
type OrderID string

func (id OrderID) MarshalJSON() ([]byte, error) { return json.Marshal(string(id)) }

func (id *OrderID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = OrderID(s)
		return nil
	}
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	*id = OrderID(b)
	return nil
}

// Order is one intent to trade the book's symbol. Quantity shrinks in place as
// the order fills. Each book owns its own copy of every order it holds.
type Order struct {
	ID        OrderID         `json:"id"`
	Ref       string          `json:"ref,omitempty"` // stamped by the accepting node
	Symbol    string          `json:"symbol,omitempty"`
	Side      Side            `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Timestamp int64           `json:"timestamp"` // unix millis, tie-break only
}

// Trade is one execution between the best buy and the best sell.
type Trade struct {
	BuyID     OrderID         `json:"buyId"`
	SellID    OrderID         `json:"sellId"`
	BuyRef    string          `json:"buyRef,omitempty"`
	SellRef   string          `json:"sellRef,omitempty"`
	Symbol    string          `json:"symbol,omitempty"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Timestamp int64           `json:"timestamp"`
}

// OrderView is an order rendered for snapshots: decimals as strings.
type OrderView struct {
	ID        OrderID `json:"id"`
	Ref       string  `json:"ref,omitempty"`
	Symbol    string  `json:"symbol,omitempty"`
	Side      string  `json:"side"`
	Price     string  `json:"price"`
	Quantity  string  `json:"quantity"`
	Timestamp int64   `json:"timestamp"`
}

func (o *Order) view() OrderView {
	return OrderView{
		ID:        o.ID,
		Ref:       o.Ref,
		Symbol:    o.Symbol,
		Side:      o.Side.String(),
		Price:     o.Price.String(),
		Quantity:  o.Quantity.String(),
		Timestamp: o.Timestamp,
	}
}

type Snapshot struct {
	Buy  []OrderView `json:"buy"`
	Sell []OrderView `json:"sell"`
}
