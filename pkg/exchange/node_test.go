package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/replex/pkg/lock"
	"github.com/uhyunpark/replex/pkg/orderbook"
	"github.com/uhyunpark/replex/pkg/p2p"
	"github.com/uhyunpark/replex/pkg/wire"
)

const symbol = "BTC/USDT"

type cluster struct {
	hub   *p2p.MemHub
	lock  *lock.Service
	nodes []*Node
}

func testConfig() Config {
	return Config{
		LockTimeout:      2 * time.Second,
		ReleaseTimeout:   time.Second,
		ReleaseRetries:   1,
		BroadcastTimeout: time.Second,
	}
}

func newCluster(t *testing.T, size int, cfg Config, opts ...Option) *cluster {
	t.Helper()
	c := &cluster{hub: p2p.NewMemHub(), lock: lock.NewService(lock.Config{}, nil, nil)}
	c.hub.Join("lockd").Serve(p2p.LockService, c.lock.Handler())
	for i := 1; i <= size; i++ {
		net := c.hub.Join(fmt.Sprintf("node-%d", i))
		n := NewNode(cfg, orderbook.New(symbol), net, opts...)
		n.Serve()
		c.nodes = append(c.nodes, n)
		t.Cleanup(func() { net.Close() })
	}
	return c
}

func order(id string, side orderbook.Side, price, qty string, ts int64) orderbook.Order {
	return orderbook.Order{
		ID:        orderbook.OrderID(id),
		Side:      side,
		Price:     decimal.RequireFromString(price),
		Quantity:  decimal.RequireFromString(qty),
		Timestamp: ts,
	}
}

func requireConverged(t *testing.T, nodes []*Node) {
	t.Helper()
	want := nodes[0].OrderBook()
	for _, n := range nodes[1:] {
		require.Equal(t, want, n.OrderBook(), "book of %s diverged from %s", n.ID(), nodes[0].ID())
	}
}

func tradeLog(t *testing.T, n *Node) string {
	t.Helper()
	trades, err := n.Journal().RecentTrades(1000)
	require.NoError(t, err)
	b, err := json.Marshal(trades)
	require.NoError(t, err)
	return string(b)
}

func TestSubmit_SingleOrderConverges(t *testing.T) {
	c := newCluster(t, 2, testConfig())

	ack, err := c.nodes[0].SubmitOrder(context.Background(), "client-1", order("1", orderbook.Buy, "100", "1", 1))
	require.NoError(t, err)
	require.NotEmpty(t, ack.Ref)
	require.Equal(t, uint64(1), ack.Seq)
	require.Empty(t, ack.Trades)

	requireConverged(t, c.nodes)
	snap := c.nodes[1].OrderBook()
	require.Len(t, snap.Buy, 1)
	require.Equal(t, ack.Ref, snap.Buy[0].Ref)
	require.Equal(t, symbol, snap.Buy[0].Symbol)
	require.False(t, c.lock.State().Held)
}

func TestSubmit_MatchReplicatesTrades(t *testing.T) {
	c := newCluster(t, 3, testConfig())
	ctx := context.Background()

	_, err := c.nodes[1].SubmitOrder(ctx, "seller", order("s1", orderbook.Sell, "100", "2", 1))
	require.NoError(t, err)
	ack, err := c.nodes[0].SubmitOrder(ctx, "buyer", order("b1", orderbook.Buy, "101", "2", 2))
	require.NoError(t, err)

	require.Len(t, ack.Trades, 1)
	require.True(t, ack.Trades[0].Price.Equal(decimal.NewFromInt(101)))
	requireConverged(t, c.nodes)
	for _, n := range c.nodes {
		require.Empty(t, n.OrderBook().Buy)
		require.Empty(t, n.OrderBook().Sell)
		trades, err := n.Journal().RecentTrades(10)
		require.NoError(t, err)
		require.Len(t, trades, 1, "node %s", n.ID())
		require.Equal(t, orderbook.OrderID("b1"), trades[0].BuyID)
	}
}

func TestSubmit_OwnEchoIsNotReapplied(t *testing.T) {
	c := newCluster(t, 2, testConfig())
	n := c.nodes[0]

	_, err := n.SubmitOrder(context.Background(), "c", order("1", orderbook.Sell, "10", "1", 1))
	require.NoError(t, err)

	require.Len(t, n.OrderBook().Sell, 1)
	require.Equal(t, 1.0, testutil.ToFloat64(n.Metrics().OrdersApplied.WithLabelValues("local")))
	require.Equal(t, 0.0, testutil.ToFloat64(n.Metrics().OrdersApplied.WithLabelValues("replicated")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.nodes[1].Metrics().OrdersApplied.WithLabelValues("replicated")))
}

func TestSubmit_ConcurrentOrdersAcrossNodesConverge(t *testing.T) {
	c := newCluster(t, 3, testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	const total = 30
	var wg sync.WaitGroup
	seqs := make(chan uint64, total)
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			side, price := orderbook.Buy, fmt.Sprintf("%d", 95+i%10)
			if i%2 == 1 {
				side, price = orderbook.Sell, fmt.Sprintf("%d", 98+i%7)
			}
			ack, err := c.nodes[i%3].SubmitOrder(ctx, "c", order(fmt.Sprint(i), side, price, "1.5", int64(i+1)))
			if err != nil {
				t.Errorf("submit %d: %v", i, err)
				return
			}
			seqs <- ack.Seq
		}(i)
	}
	wg.Wait()
	close(seqs)

	seen := map[uint64]bool{}
	for s := range seqs {
		require.False(t, seen[s], "seq %d granted twice", s)
		seen[s] = true
	}
	require.Len(t, seen, total)
	requireConverged(t, c.nodes)

	want := tradeLog(t, c.nodes[0])
	for _, n := range c.nodes[1:] {
		require.JSONEq(t, want, tradeLog(t, n))
	}
	require.False(t, c.lock.State().Held)
}

func TestSubmit_InvalidOrderNeverTakesLock(t *testing.T) {
	c := newCluster(t, 2, testConfig())

	_, err := c.nodes[0].SubmitOrder(context.Background(), "c", order("1", orderbook.Buy, "0", "1", 1))
	require.ErrorIs(t, err, orderbook.ErrInvalidOrder)
	require.False(t, Retryable(err))
	require.Equal(t, uint64(0), c.lock.State().Seq)
	require.Empty(t, c.nodes[1].OrderBook().Buy)
}

func TestSubmit_LockTimeoutLeavesLockUsable(t *testing.T) {
	cfg := testConfig()
	cfg.LockTimeout = 50 * time.Millisecond
	c := newCluster(t, 2, cfg)

	held := make(chan lock.Grant, 1)
	c.lock.Request("someone-else", "r0", lock.WaiterFunc(func(g lock.Grant) error {
		held <- g
		return nil
	}))
	g := <-held

	_, err := c.nodes[0].SubmitOrder(context.Background(), "c", order("1", orderbook.Buy, "100", "1", 1))
	require.ErrorIs(t, err, ErrLockTimeout)
	require.ErrorIs(t, err, p2p.ErrTimeout)
	require.True(t, Retryable(err))
	require.Empty(t, c.nodes[0].OrderBook().Buy)

	require.Eventually(t, func() bool { return len(c.lock.State().Queue) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, c.lock.Release("someone-else", g.Token))
	require.False(t, c.lock.State().Held, "lock granted to a node that gave up")

	// The cluster keeps working.
	_, err = c.nodes[1].SubmitOrder(context.Background(), "c", order("2", orderbook.Buy, "100", "1", 2))
	require.NoError(t, err)
	requireConverged(t, c.nodes)
}

func TestSubmit_NoLockService(t *testing.T) {
	hub := p2p.NewMemHub()
	n := NewNode(testConfig(), orderbook.New(symbol), hub.Join("node-1"))
	n.Serve()

	_, err := n.SubmitOrder(context.Background(), "c", order("1", orderbook.Buy, "100", "1", 1))
	require.ErrorIs(t, err, ErrLockUnavailable)
	require.ErrorIs(t, err, p2p.ErrNoInstance)
	require.True(t, Retryable(err))
}

func TestSubmit_PartialBroadcastStillReleases(t *testing.T) {
	cfg := testConfig()
	cfg.BroadcastTimeout = 50 * time.Millisecond
	c := newCluster(t, 3, cfg)
	alerts := c.hub.SubscribeAlerts()
	c.hub.SetFault(func(_, to string, _ p2p.Service, msg wire.Message) (bool, time.Duration) {
		return to == "node-3" && msg.Kind() == wire.KindOrderAdded, 0
	})

	ack, err := c.nodes[0].SubmitOrder(context.Background(), "c", order("1", orderbook.Buy, "100", "1", 1))
	var be *BroadcastError
	require.ErrorAs(t, err, &be)
	require.Equal(t, []string{"node-3"}, be.Peers)
	require.Equal(t, 3, be.Total)
	require.True(t, Accepted(err))
	require.False(t, Retryable(err))
	require.Equal(t, []string{"node-3"}, ack.Stale)

	require.False(t, c.lock.State().Held)
	require.Len(t, c.nodes[1].OrderBook().Buy, 1)
	require.Empty(t, c.nodes[2].OrderBook().Buy)
	require.Equal(t, 1.0, testutil.ToFloat64(c.nodes[0].Metrics().BroadcastFailures))

	select {
	case a := <-alerts:
		require.Equal(t, p2p.AlertBroadcastPartial, a.Kind)
		require.Equal(t, "node-1", a.Node)
		require.Equal(t, []string{"node-3"}, a.Peers)
	case <-time.After(time.Second):
		t.Fatal("no alert for the stale peer")
	}
}

func TestSubmit_ReleaseFailureIsFatal(t *testing.T) {
	cfg := testConfig()
	cfg.ReleaseTimeout = 20 * time.Millisecond
	cfg.ReleaseRetries = 2
	c := newCluster(t, 2, cfg)
	alerts := c.hub.SubscribeAlerts()
	var releases int
	var mu sync.Mutex
	c.hub.SetFault(func(_, _ string, _ p2p.Service, msg wire.Message) (bool, time.Duration) {
		if msg.Kind() != wire.KindReleaseLock {
			return false, 0
		}
		mu.Lock()
		releases++
		mu.Unlock()
		return true, 0
	})

	ack, err := c.nodes[0].SubmitOrder(context.Background(), "c", order("1", orderbook.Buy, "100", "1", 1))
	require.ErrorIs(t, err, ErrFatal)
	require.True(t, Accepted(err))
	require.NotEmpty(t, ack.Ref)
	mu.Lock()
	require.Equal(t, 3, releases)
	mu.Unlock()
	requireConverged(t, c.nodes)

	select {
	case a := <-alerts:
		require.Equal(t, p2p.AlertReleaseFailed, a.Kind)
	case <-time.After(time.Second):
		t.Fatal("no alert for the failed release")
	}
}

// Broadcasts are not ordered. Two replicas that see the same two orders in
// different orders end up with different books; the sequence check only
// records it.
func TestApplyReplicated_ReorderingDiverges(t *testing.T) {
	c := newCluster(t, 2, testConfig())
	b, d := c.nodes[0], c.nodes[1]

	resting := order("s", orderbook.Sell, "100", "1", 1)
	first := order("A", orderbook.Buy, "100", "1", 2)
	second := order("B", orderbook.Buy, "101", "1", 3)
	for _, n := range c.nodes {
		require.NoError(t, n.ApplyReplicated("origin", 1, resting))
	}

	require.NoError(t, b.ApplyReplicated("origin", 2, first))
	require.NoError(t, b.ApplyReplicated("origin", 3, second))

	require.NoError(t, d.ApplyReplicated("origin", 3, second))
	require.NoError(t, d.ApplyReplicated("origin", 2, first))

	require.NotEqual(t, b.OrderBook(), d.OrderBook())
	require.Equal(t, orderbook.OrderID("B"), b.OrderBook().Buy[0].ID)
	require.Equal(t, orderbook.OrderID("A"), d.OrderBook().Buy[0].ID)
	require.Equal(t, 0.0, testutil.ToFloat64(b.Metrics().OutOfOrder))
	require.Equal(t, 1.0, testutil.ToFloat64(d.Metrics().OutOfOrder))
}

func TestNode_ListenerSeesBothPaths(t *testing.T) {
	var mu sync.Mutex
	var events []Applied
	c := newCluster(t, 2, testConfig(), WithListener(func(a Applied) {
		mu.Lock()
		events = append(events, a)
		mu.Unlock()
	}))

	_, err := c.nodes[0].SubmitOrder(context.Background(), "c", order("1", orderbook.Buy, "100", "1", 1))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 2)
	for _, ev := range events {
		require.Equal(t, "node-1", ev.Origin)
		require.Equal(t, uint64(1), ev.Seq)
	}
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		err       error
		retryable bool
		accepted  bool
	}{
		{nil, false, true},
		{fmt.Errorf("%w: x", ErrLockTimeout), true, false},
		{fmt.Errorf("%w: x", ErrLockUnavailable), true, false},
		{fmt.Errorf("%w: x", ErrFatal), false, true},
		{&BroadcastError{Seq: 1, Peers: []string{"p"}, Total: 2}, false, true},
		{orderbook.ErrInvalidOrder, false, false},
		{errors.New("other"), false, false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.retryable, Retryable(tc.err), "%v", tc.err)
		require.Equal(t, tc.accepted, Accepted(tc.err), "%v", tc.err)
	}
}
