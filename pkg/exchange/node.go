// Package exchange runs one exchange node: it accepts orders from clients,
// serializes them cluster-wide through the lock service, applies them to the
// local book and replicates them to every other node.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uhyunpark/replex/params"
	"github.com/uhyunpark/replex/pkg/metrics"
	"github.com/uhyunpark/replex/pkg/orderbook"
	"github.com/uhyunpark/replex/pkg/p2p"
	"github.com/uhyunpark/replex/pkg/storage"
	"github.com/uhyunpark/replex/pkg/util"
	"github.com/uhyunpark/replex/pkg/wire"
)

type Config struct {
	LockTimeout      time.Duration
	ReleaseTimeout   time.Duration
	ReleaseRetries   int
	BroadcastTimeout time.Duration
}

func ConfigFromParams(p params.Config) Config {
	return Config{
		LockTimeout:      p.Lock.RequestTimeout,
		ReleaseTimeout:   p.Lock.ReleaseTimeout,
		ReleaseRetries:   p.Lock.ReleaseRetries,
		BroadcastTimeout: p.Replication.BroadcastTimeout,
	}
}

// Ack is what the client gets back for an accepted order.
type Ack struct {
	Ref    string
	Seq    uint64
	Trades []orderbook.Trade
	// Stale lists peers that missed the replication broadcast.
	Stale []string
}

// Applied describes one order applied to the local book, by either path.
type Applied struct {
	Origin string
	Seq    uint64
	Order  orderbook.Order
	Trades []orderbook.Trade
}

type Option func(*Node)

func WithLogger(l *zap.SugaredLogger) Option { return func(n *Node) { n.log = util.OrNop(l) } }
func WithMetrics(m *metrics.Metrics) Option  { return func(n *Node) { n.m = m } }
func WithJournal(j storage.Journal) Option   { return func(n *Node) { n.journal = j } }
func WithAlerts(a p2p.AlertPublisher) Option { return func(n *Node) { n.alerts = a } }
func WithClock(c util.Clock) Option          { return func(n *Node) { n.clock = c } }
func WithListener(f func(Applied)) Option    { return func(n *Node) { n.listeners = append(n.listeners, f) } }

type Node struct {
	cfg  Config
	id   string
	book *orderbook.OrderBook
	net  p2p.Network

	log       *zap.SugaredLogger
	m         *metrics.Metrics
	journal   storage.Journal
	alerts    p2p.AlertPublisher
	clock     util.Clock
	listeners []func(Applied)

	// writeMu serializes every mutation of book: local submissions and
	// replicated applies.
	writeMu sync.Mutex
	lastSeq uint64
}

func NewNode(cfg Config, book *orderbook.OrderBook, net p2p.Network, opts ...Option) *Node {
	n := &Node{
		cfg:  cfg,
		id:   net.Self(),
		book: book,
		net:  net,
		log:  zap.NewNop().Sugar(),
	}
	for _, o := range opts {
		o(n)
	}
	if n.m == nil {
		n.m = metrics.New()
	}
	if n.journal == nil {
		n.journal = storage.NewMemJournal()
	}
	if n.clock == nil {
		n.clock = util.RealClock{}
	}
	if n.alerts == nil {
		if ap, ok := net.(p2p.AlertPublisher); ok {
			n.alerts = ap
		}
	}
	return n
}

func (n *Node) ID() string                 { return n.id }
func (n *Node) Book() *orderbook.OrderBook { return n.book }
func (n *Node) Journal() storage.Journal   { return n.journal }
func (n *Node) Metrics() *metrics.Metrics  { return n.m }

// Serve registers the node as an instance of the exchange service.
func (n *Node) Serve() { n.net.Serve(p2p.ExchangeService, n.Handler()) }

func (n *Node) OrderBook() orderbook.Snapshot { return n.book.Snapshot() }

// SubmitOrder runs the critical section for one client order: acquire the
// cluster lock, apply locally, broadcast to every node, release, ack.
//
// A *BroadcastError or ErrFatal comes with a valid Ack: the order is in the
// local book either way (see Accepted).
func (n *Node) SubmitOrder(ctx context.Context, clientID string, o orderbook.Order) (Ack, error) {
	if err := n.book.Validate(o); err != nil {
		n.m.OrdersRejected.Inc()
		n.m.SubmitErrors.WithLabelValues("invalid").Inc()
		n.log.Infow("order_rejected", "client", clientID, "id", o.ID, "err", err)
		return Ack{}, err
	}

	grant, requestID, err := n.acquire(ctx)
	if err != nil {
		return Ack{}, err
	}

	// Past this point the critical section runs to completion even if the
	// client goes away: the lock must be released.
	crit := context.WithoutCancel(ctx)

	o.Ref = uuid.NewString()
	if o.Symbol == "" {
		o.Symbol = n.book.Symbol()
	}
	trades, err := n.apply(n.id, grant.Seq, o, "local")
	if err != nil {
		n.log.Errorw("order_apply_failed", "ref", o.Ref, "err", err)
		if rerr := n.release(crit, grant.Token, requestID); rerr != nil {
			return Ack{}, rerr
		}
		return Ack{}, err
	}
	ack := Ack{Ref: o.Ref, Seq: grant.Seq, Trades: trades}

	bErr := n.replicate(crit, grant.Seq, o)
	if bErr != nil {
		ack.Stale = bErr.Peers
	}

	if err := n.release(crit, grant.Token, requestID); err != nil {
		return ack, err
	}
	n.log.Infow("order_accepted", "client", clientID, "id", o.ID, "ref", o.Ref, "seq", grant.Seq, "trades", len(trades))
	if bErr != nil {
		return ack, bErr
	}
	return ack, nil
}

func (n *Node) acquire(ctx context.Context) (wire.LockGranted, string, error) {
	requestID := uuid.NewString()
	lockCtx, cancel := context.WithTimeout(ctx, n.cfg.LockTimeout)
	defer cancel()

	start := n.clock.Now()
	var g wire.LockGranted
	err := n.net.Request(lockCtx, p2p.LockService, wire.RequestLock{ClientID: n.id, RequestID: requestID}, &g)
	if err == nil && !g.LockGranted {
		err = errors.New("lock service answered without a grant")
	}
	if err != nil {
		// The request may still be queued, or even granted after we gave up.
		if !errors.Is(err, p2p.ErrNoInstance) {
			n.cancelLock(context.WithoutCancel(ctx), requestID)
		}
		if errors.Is(err, p2p.ErrTimeout) {
			n.m.SubmitErrors.WithLabelValues("lock_timeout").Inc()
			n.log.Warnw("lock_timeout", "request", requestID, "after", n.clock.Now().Sub(start))
			return g, "", fmt.Errorf("%w: %w", ErrLockTimeout, err)
		}
		n.m.SubmitErrors.WithLabelValues("lock_unavailable").Inc()
		n.log.Warnw("lock_unavailable", "request", requestID, "err", err)
		return g, "", fmt.Errorf("%w: %w", ErrLockUnavailable, err)
	}
	n.m.LockWait.Observe(n.clock.Now().Sub(start).Seconds())
	return g, requestID, nil
}

func (n *Node) cancelLock(ctx context.Context, requestID string) {
	cctx, cancel := context.WithTimeout(ctx, n.cfg.ReleaseTimeout)
	defer cancel()
	var c wire.LockCancelled
	if err := n.net.Request(cctx, p2p.LockService, wire.CancelLock{ClientID: n.id, RequestID: requestID}, &c); err != nil {
		n.log.Warnw("lock_cancel_failed", "request", requestID, "err", err)
		return
	}
	n.log.Debugw("lock_cancel_sent", "request", requestID, "withdrawn", c.LockCancelled)
}

// release frees the cluster lock, retrying transport failures. A rejected
// token is not retried: the lease already took the lock away.
func (n *Node) release(ctx context.Context, token, requestID string) error {
	var err error
	for attempt := 0; attempt <= n.cfg.ReleaseRetries; attempt++ {
		rctx, cancel := context.WithTimeout(ctx, n.cfg.ReleaseTimeout)
		err = n.net.Request(rctx, p2p.LockService, wire.ReleaseLock{ClientID: n.id, Token: token}, nil)
		cancel()
		if err == nil {
			return nil
		}
		var re *p2p.RemoteError
		if errors.As(err, &re) {
			break
		}
		n.log.Warnw("lock_release_retry", "attempt", attempt+1, "err", err)
	}

	n.m.SubmitErrors.WithLabelValues("fatal").Inc()
	n.log.Errorw("lock_release_failed", "request", requestID, "err", err)
	n.alert(ctx, p2p.Alert{Kind: p2p.AlertReleaseFailed, Detail: err.Error()})
	return fmt.Errorf("%w: %w", ErrFatal, err)
}

// replicate broadcasts o to every exchange node. Peers that fail to ack are
// reported, not retried.
func (n *Node) replicate(ctx context.Context, seq uint64, o orderbook.Order) *BroadcastError {
	bctx, cancel := context.WithTimeout(ctx, n.cfg.BroadcastTimeout)
	defer cancel()

	results, err := n.net.Broadcast(bctx, p2p.ExchangeService, wire.OrderAdded{Origin: n.id, Seq: seq, Order: o})
	var bErr *BroadcastError
	switch {
	case err != nil:
		bErr = &BroadcastError{Seq: seq, Err: err}
	default:
		if failed := p2p.Failed(results); len(failed) > 0 {
			bErr = &BroadcastError{Seq: seq, Peers: failed, Total: len(results)}
		}
	}
	if bErr == nil {
		return nil
	}

	n.m.BroadcastFailures.Add(float64(max(len(bErr.Peers), 1)))
	n.log.Warnw("broadcast_partial_failure", "seq", seq, "ref", o.Ref, "stale", bErr.Peers, "err", bErr)
	n.alert(ctx, p2p.Alert{Kind: p2p.AlertBroadcastPartial, Peers: bErr.Peers, Seq: seq, Detail: bErr.Error()})
	return bErr
}

// ApplyReplicated applies an order accepted by another node. A node's own
// broadcast echo is acknowledged without reapplying.
func (n *Node) ApplyReplicated(origin string, seq uint64, o orderbook.Order) error {
	if origin == n.id {
		n.log.Debugw("order_echo_skipped", "seq", seq, "ref", o.Ref)
		return nil
	}
	_, err := n.apply(origin, seq, o, "replicated")
	return err
}

func (n *Node) apply(origin string, seq uint64, o orderbook.Order, path string) ([]orderbook.Trade, error) {
	n.writeMu.Lock()
	defer n.writeMu.Unlock()

	if seq != 0 {
		// Broadcasts are not ordered; an older grant arriving late is applied
		// anyway and only recorded.
		if seq <= n.lastSeq {
			n.m.OutOfOrder.Inc()
			n.log.Warnw("order_out_of_order", "origin", origin, "seq", seq, "last", n.lastSeq)
		} else {
			n.lastSeq = seq
		}
	}

	trades, err := n.book.ProcessOrder(o)
	if err != nil {
		n.m.OrdersRejected.Inc()
		return nil, err
	}
	n.m.OrdersApplied.WithLabelValues(path).Inc()
	n.m.Trades.Add(float64(len(trades)))

	if err := n.journal.RecordOrder(origin, seq, o); err != nil {
		n.log.Warnw("journal_write_failed", "ref", o.Ref, "err", err)
	}
	if err := n.journal.RecordTrades(trades); err != nil {
		n.log.Warnw("journal_write_failed", "ref", o.Ref, "err", err)
	}
	for _, t := range trades {
		n.log.Debugw("trade", "buy", t.BuyID, "sell", t.SellID, "price", t.Price, "qty", t.Quantity)
	}

	ev := Applied{Origin: origin, Seq: seq, Order: o, Trades: trades}
	for _, f := range n.listeners {
		f(ev)
	}
	return trades, nil
}

func (n *Node) alert(ctx context.Context, a p2p.Alert) {
	if n.alerts == nil {
		return
	}
	a.Node = n.id
	a.Time = n.clock.Now().UnixMilli()
	actx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := n.alerts.PublishAlert(actx, a); err != nil {
		n.log.Warnw("alert_publish_failed", "kind", a.Kind, "err", err)
	}
}
