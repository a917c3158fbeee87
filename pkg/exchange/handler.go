package exchange

import (
	"context"
	"fmt"

	"github.com/uhyunpark/replex/pkg/p2p"
	"github.com/uhyunpark/replex/pkg/wire"
)

const msgOrderAdded = "Order added"

// Handler serves the exchange_worker service.
func (n *Node) Handler() p2p.Handler {
	return p2p.HandlerFunc(n.serveRPC)
}

func (n *Node) serveRPC(ctx context.Context, from string, msg wire.Message, w p2p.ReplyWriter) {
	switch m := msg.(type) {
	case wire.AddOrder:
		ack, err := n.SubmitOrder(ctx, m.ClientID, m.Order)
		if !Accepted(err) {
			_ = w.Fail(err)
			return
		}
		if err != nil {
			n.log.Warnw("order_accepted_degraded", "client", m.ClientID, "ref", ack.Ref, "err", err)
		}
		if rerr := w.Reply(wire.OrderAck{
			Message: msgOrderAdded,
			Ref:     ack.Ref,
			Seq:     ack.Seq,
			Trades:  ack.Trades,
			Stale:   ack.Stale,
		}); rerr != nil {
			n.log.Warnw("client_reply_failed", "client", m.ClientID, "ref", ack.Ref, "err", rerr)
		}

	case wire.OrderAdded:
		if err := n.ApplyReplicated(m.Origin, m.Seq, m.Order); err != nil {
			n.log.Warnw("replicated_order_rejected", "origin", m.Origin, "seq", m.Seq, "err", err)
			_ = w.Fail(err)
			return
		}
		_ = w.Reply(wire.Ack{Message: msgOrderAdded})

	case wire.GetOrderBook:
		_ = w.Reply(wire.OrderBookReply{OrderBook: n.OrderBook()})

	case wire.RequestLock, wire.ReleaseLock, wire.CancelLock:
		_ = w.Fail(fmt.Errorf("%w: %s on %s", wire.ErrUnknownKind, msg.Kind(), p2p.ExchangeService))

	default:
		n.log.Warnw("exchange_unexpected_message", "from", from, "type", msg.Kind())
		_ = w.Fail(fmt.Errorf("%w: %s", wire.ErrUnknownKind, msg.Kind()))
	}
}
