package p2p

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/replex/pkg/wire"
)

func ackHandler(tag string, calls *atomic.Int32) Handler {
	return HandlerFunc(func(_ context.Context, _ string, _ wire.Message, w ReplyWriter) {
		if calls != nil {
			calls.Add(1)
		}
		_ = w.Reply(wire.Ack{Message: tag})
	})
}

func TestMemNet_RequestReachesOneInstance(t *testing.T) {
	hub := NewMemHub()
	a, b := hub.Join("a"), hub.Join("b")
	var calls atomic.Int32
	b.Serve(ExchangeService, ackHandler("from-b", &calls))

	var ack wire.Ack
	err := a.Request(context.Background(), ExchangeService, wire.GetOrderBook{}, &ack)
	require.NoError(t, err)
	require.Equal(t, "from-b", ack.Message)
	require.Equal(t, int32(1), calls.Load())
}

func TestMemNet_NoInstance(t *testing.T) {
	hub := NewMemHub()
	a := hub.Join("a")
	err := a.Request(context.Background(), LockService, wire.GetOrderBook{}, nil)
	require.ErrorIs(t, err, ErrNoInstance)

	_, err = a.Broadcast(context.Background(), LockService, wire.GetOrderBook{})
	require.ErrorIs(t, err, ErrNoInstance)
}

func TestMemNet_BroadcastIncludesSelf(t *testing.T) {
	hub := NewMemHub()
	nodes := []*MemNet{hub.Join("a"), hub.Join("b"), hub.Join("c")}
	var calls atomic.Int32
	for _, n := range nodes {
		n.Serve(ExchangeService, ackHandler(n.Self(), &calls))
	}

	results, err := nodes[0].Broadcast(context.Background(), ExchangeService, wire.GetOrderBook{})
	require.NoError(t, err)
	require.Len(t, results, 3)
	require.Empty(t, Failed(results))
	require.Equal(t, int32(3), calls.Load())
}

func TestMemNet_DeferredReply(t *testing.T) {
	hub := NewMemHub()
	a, b := hub.Join("a"), hub.Join("b")
	parked := make(chan ReplyWriter, 1)
	b.Serve(LockService, HandlerFunc(func(_ context.Context, _ string, _ wire.Message, w ReplyWriter) {
		parked <- w // reply later, after the handler returned
	}))

	errCh := make(chan error, 1)
	var got wire.LockGranted
	go func() {
		errCh <- a.Request(context.Background(), LockService, wire.RequestLock{ClientID: "a"}, &got)
	}()

	w := <-parked
	select {
	case <-errCh:
		t.Fatal("request returned before the reply was written")
	case <-time.After(20 * time.Millisecond):
	}
	require.NoError(t, w.Reply(wire.LockGranted{LockGranted: true, Token: "tok"}))
	require.NoError(t, <-errCh)
	require.True(t, got.LockGranted)
	require.Equal(t, "tok", got.Token)

	require.ErrorIs(t, w.Reply(wire.LockGranted{}), ErrReplied)
}

func TestMemNet_TimeoutMarksCallerGone(t *testing.T) {
	hub := NewMemHub()
	a, b := hub.Join("a"), hub.Join("b")
	parked := make(chan ReplyWriter, 1)
	b.Serve(LockService, HandlerFunc(func(_ context.Context, _ string, _ wire.Message, w ReplyWriter) {
		parked <- w
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := a.Request(ctx, LockService, wire.RequestLock{ClientID: "a"}, nil)
	require.ErrorIs(t, err, ErrTimeout)
	require.True(t, errors.Is(err, context.DeadlineExceeded))

	w := <-parked
	select {
	case <-w.Gone():
	default:
		t.Fatal("Gone not closed after caller timed out")
	}
	require.ErrorIs(t, w.Reply(wire.LockGranted{LockGranted: true}), ErrCallerGone)
}

func TestMemNet_RemoteError(t *testing.T) {
	hub := NewMemHub()
	a, b := hub.Join("a"), hub.Join("b")
	b.Serve(ExchangeService, HandlerFunc(func(_ context.Context, _ string, _ wire.Message, w ReplyWriter) {
		_ = w.Fail(errors.New("boom"))
	}))

	err := a.Request(context.Background(), ExchangeService, wire.GetOrderBook{}, nil)
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	require.Equal(t, "b", re.Peer)
	require.Equal(t, "boom", re.Msg)
}

func TestMemNet_FaultDropsOnePeer(t *testing.T) {
	hub := NewMemHub()
	nodes := []*MemNet{hub.Join("a"), hub.Join("b"), hub.Join("c")}
	for _, n := range nodes {
		n.Serve(ExchangeService, ackHandler(n.Self(), nil))
	}
	hub.SetFault(func(from, to string, _ Service, _ wire.Message) (bool, time.Duration) {
		return to == "c", 0
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	results, err := nodes[0].Broadcast(ctx, ExchangeService, wire.GetOrderBook{})
	require.NoError(t, err)
	require.Len(t, results, 3)
	require.Equal(t, []string{"c"}, Failed(results))
}

func TestMemNet_ClosedNodeLeavesGroup(t *testing.T) {
	hub := NewMemHub()
	a, b := hub.Join("a"), hub.Join("b")
	a.Serve(ExchangeService, ackHandler("a", nil))
	b.Serve(ExchangeService, ackHandler("b", nil))
	require.NoError(t, b.Close())

	results, err := a.Broadcast(context.Background(), ExchangeService, wire.GetOrderBook{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "a", results[0].Peer)
}

func TestMemNet_Alerts(t *testing.T) {
	hub := NewMemHub()
	a := hub.Join("a")
	alerts := hub.SubscribeAlerts()
	require.NoError(t, a.PublishAlert(context.Background(), Alert{Kind: AlertBroadcastPartial, Peers: []string{"b"}}))

	select {
	case got := <-alerts:
		require.Equal(t, "a", got.Node)
		require.Equal(t, []string{"b"}, got.Peers)
	case <-time.After(time.Second):
		t.Fatal("alert not delivered")
	}
}
