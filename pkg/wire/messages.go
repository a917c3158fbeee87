// Package wire defines the messages exchanged between clients, exchange nodes
// and the lock service, and their JSON encoding.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/replex/pkg/orderbook"
)

type Kind string

const (
	KindAddOrder     Kind = "addOrder"
	KindOrderAdded   Kind = "orderAdded"
	KindGetOrderBook Kind = "getOrderBook"
	KindRequestLock  Kind = "requestLock"
	KindReleaseLock  Kind = "releaseLock"
	KindCancelLock   Kind = "cancelLock"
)

var ErrUnknownKind = errors.New("unknown message type")

// Message is the closed set of requests. Handlers switch on the concrete type.
type Message interface {
	Kind() Kind
	sealed()
}

// AddOrder is a client submission to any exchange node.
type AddOrder struct {
	ClientID string
	Order    orderbook.Order
}

// OrderAdded replicates an accepted order. Seq is the lock grant sequence
// under which Origin applied it.
type OrderAdded struct {
	Origin string
	Seq    uint64
	Order  orderbook.Order
}

type GetOrderBook struct{}

type RequestLock struct {
	ClientID  string
	RequestID string
}

type ReleaseLock struct {
	ClientID string
	Token    string
}

// CancelLock withdraws a queued request whose caller gave up waiting.
type CancelLock struct {
	ClientID  string
	RequestID string
}

func (AddOrder) Kind() Kind     { return KindAddOrder }
func (OrderAdded) Kind() Kind   { return KindOrderAdded }
func (GetOrderBook) Kind() Kind { return KindGetOrderBook }
func (RequestLock) Kind() Kind  { return KindRequestLock }
func (ReleaseLock) Kind() Kind  { return KindReleaseLock }
func (CancelLock) Kind() Kind   { return KindCancelLock }

func (AddOrder) sealed()     {}
func (OrderAdded) sealed()   {}
func (GetOrderBook) sealed() {}
func (RequestLock) sealed()  {}
func (ReleaseLock) sealed()  {}
func (CancelLock) sealed()   {}

// envelope is the JSON frame: {"clientId":..., "type":..., "data":...}.
type envelope struct {
	Type      Kind            `json:"type"`
	ClientID  string          `json:"clientId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Token     string          `json:"token,omitempty"`
	Seq       uint64          `json:"seq,omitempty"`
}

// orderData is the order payload. "type" is accepted as an alias for side,
// as sent by the command-line client.
type orderData struct {
	ID        orderbook.OrderID `json:"id"`
	Ref       string            `json:"ref,omitempty"`
	Symbol    string            `json:"symbol,omitempty"`
	Side      string            `json:"side,omitempty"`
	Type      string            `json:"type,omitempty"`
	Price     decimal.Decimal   `json:"price"`
	Quantity  decimal.Decimal   `json:"quantity"`
	Timestamp int64             `json:"timestamp"`
}

func fromOrder(o orderbook.Order) orderData {
	return orderData{
		ID:        o.ID,
		Ref:       o.Ref,
		Symbol:    o.Symbol,
		Side:      o.Side.String(),
		Price:     o.Price,
		Quantity:  o.Quantity,
		Timestamp: o.Timestamp,
	}
}

func (d orderData) order() (orderbook.Order, error) {
	s := d.Side
	if s == "" {
		s = d.Type
	}
	side, err := orderbook.ParseSide(s)
	if err != nil {
		return orderbook.Order{}, err
	}
	return orderbook.Order{
		ID:        d.ID,
		Ref:       d.Ref,
		Symbol:    d.Symbol,
		Side:      side,
		Price:     d.Price,
		Quantity:  d.Quantity,
		Timestamp: d.Timestamp,
	}, nil
}

func Encode(m Message) ([]byte, error) {
	env := envelope{Type: m.Kind()}
	switch m := m.(type) {
	case AddOrder:
		env.ClientID = m.ClientID
		data, err := json.Marshal(fromOrder(m.Order))
		if err != nil {
			return nil, err
		}
		env.Data = data
	case OrderAdded:
		env.ClientID = m.Origin
		env.Seq = m.Seq
		data, err := json.Marshal(fromOrder(m.Order))
		if err != nil {
			return nil, err
		}
		env.Data = data
	case GetOrderBook:
	case RequestLock:
		env.ClientID = m.ClientID
		env.RequestID = m.RequestID
	case ReleaseLock:
		env.ClientID = m.ClientID
		env.Token = m.Token
	case CancelLock:
		env.ClientID = m.ClientID
		env.RequestID = m.RequestID
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, m)
	}
	return json.Marshal(env)
}

func Decode(b []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	switch env.Type {
	case KindAddOrder:
		o, err := decodeOrder(env.Data)
		if err != nil {
			return nil, err
		}
		return AddOrder{ClientID: env.ClientID, Order: o}, nil
	case KindOrderAdded:
		o, err := decodeOrder(env.Data)
		if err != nil {
			return nil, err
		}
		return OrderAdded{Origin: env.ClientID, Seq: env.Seq, Order: o}, nil
	case KindGetOrderBook:
		return GetOrderBook{}, nil
	case KindRequestLock:
		return RequestLock{ClientID: env.ClientID, RequestID: env.RequestID}, nil
	case KindReleaseLock:
		return ReleaseLock{ClientID: env.ClientID, Token: env.Token}, nil
	case KindCancelLock:
		return CancelLock{ClientID: env.ClientID, RequestID: env.RequestID}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Type)
	}
}

func decodeOrder(raw json.RawMessage) (orderbook.Order, error) {
	if len(raw) == 0 {
		return orderbook.Order{}, fmt.Errorf("%w: missing data", orderbook.ErrInvalidOrder)
	}
	var d orderData
	if err := json.Unmarshal(raw, &d); err != nil {
		return orderbook.Order{}, fmt.Errorf("%w: %v", orderbook.ErrInvalidOrder, err)
	}
	return d.order()
}
