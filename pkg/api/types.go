package api

import (
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/replex/pkg/orderbook"
)

// API response types for REST endpoints and WebSocket messages

// ==============================
// REST Response Types
// ==============================

// OrderbookSnapshot represents current orderbook state
type OrderbookSnapshot struct {
	Symbol    string                `json:"symbol"`
	Buy       []orderbook.OrderView `json:"buy"`  // Best price first
	Sell      []orderbook.OrderView `json:"sell"` // Best price first
	BestBid   string                `json:"bestBid,omitempty"`
	BestAsk   string                `json:"bestAsk,omitempty"`
	LastPrice string                `json:"lastPrice,omitempty"`
	Timestamp int64                 `json:"timestamp"` // Unix milliseconds
}

// TradeInfo represents a recent trade
type TradeInfo struct {
	BuyID     orderbook.OrderID `json:"buyId"`
	SellID    orderbook.OrderID `json:"sellId"`
	BuyRef    string            `json:"buyRef,omitempty"`
	SellRef   string            `json:"sellRef,omitempty"`
	Symbol    string            `json:"symbol"`
	Price     string            `json:"price"`
	Quantity  string            `json:"quantity"`
	Timestamp int64             `json:"timestamp"` // Unix milliseconds
}

func tradeInfo(t orderbook.Trade) TradeInfo {
	return TradeInfo{
		BuyID:     t.BuyID,
		SellID:    t.SellID,
		BuyRef:    t.BuyRef,
		SellRef:   t.SellRef,
		Symbol:    t.Symbol,
		Price:     t.Price.String(),
		Quantity:  t.Quantity.String(),
		Timestamp: t.Timestamp,
	}
}

func tradeInfos(trades []orderbook.Trade) []TradeInfo {
	out := make([]TradeInfo, 0, len(trades))
	for _, t := range trades {
		out = append(out, tradeInfo(t))
	}
	return out
}

// ==============================
// REST Request Types
// ==============================

// SubmitOrderRequest is the payload for POST /api/v1/orders. "type" is
// accepted as an alias for side.
type SubmitOrderRequest struct {
	ClientID  string            `json:"clientId"`
	ID        orderbook.OrderID `json:"id"`
	Symbol    string            `json:"symbol"`
	Side      string            `json:"side"`
	Type      string            `json:"type"`
	Price     decimal.Decimal   `json:"price"`
	Quantity  decimal.Decimal   `json:"quantity"`
	Timestamp int64             `json:"timestamp"` // Unix milliseconds, defaults to now
}

// SubmitOrderResponse is the response from order submission
type SubmitOrderResponse struct {
	Status  string      `json:"status"` // "accepted"
	Ref     string      `json:"ref"`
	Seq     uint64      `json:"seq"`
	Trades  []TradeInfo `json:"trades"`
	Stale   []string    `json:"stale,omitempty"`
	Message string      `json:"message,omitempty"` // set when accepted with a replication or release problem
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSMessage is the base structure for all WebSocket messages
type WSMessage struct {
	Type string `json:"type"` // "orderbook", "trades", "subscribed"
	Data any    `json:"data"`
}

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // "orderbook", "trades"
}

// TradesUpdate is broadcast when an applied order produced trades
type TradesUpdate struct {
	Origin string      `json:"origin"`
	Seq    uint64      `json:"seq"`
	Trades []TradeInfo `json:"trades"`
}
