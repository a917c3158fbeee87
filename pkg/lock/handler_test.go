package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/replex/pkg/p2p"
	"github.com/uhyunpark/replex/pkg/wire"
)

func lockCluster(t *testing.T) (*Service, *p2p.MemNet, *p2p.MemNet) {
	t.Helper()
	hub := p2p.NewMemHub()
	svc := NewService(Config{}, nil, nil)
	hub.Join("lockd").Serve(p2p.LockService, svc.Handler())
	return svc, hub.Join("a"), hub.Join("b")
}

func TestHandler_RequestReleaseOverNetwork(t *testing.T) {
	svc, a, _ := lockCluster(t)
	ctx := context.Background()

	var g wire.LockGranted
	require.NoError(t, a.Request(ctx, p2p.LockService, wire.RequestLock{ClientID: "a", RequestID: "r1"}, &g))
	require.True(t, g.LockGranted)
	require.Equal(t, uint64(1), g.Seq)

	err := a.Request(ctx, p2p.LockService, wire.ReleaseLock{ClientID: "a", Token: "wrong"}, nil)
	var re *p2p.RemoteError
	require.ErrorAs(t, err, &re)
	require.Contains(t, re.Msg, ErrNotHolder.Error())

	var rel wire.LockReleased
	require.NoError(t, a.Request(ctx, p2p.LockService, wire.ReleaseLock{ClientID: "a", Token: g.Token}, &rel))
	require.True(t, rel.LockReleased)
	require.False(t, svc.State().Held)
}

func TestHandler_QueuedRequestAnsweredOnRelease(t *testing.T) {
	svc, a, b := lockCluster(t)
	ctx := context.Background()

	var ga wire.LockGranted
	require.NoError(t, a.Request(ctx, p2p.LockService, wire.RequestLock{ClientID: "a", RequestID: "ra"}, &ga))

	done := make(chan wire.LockGranted, 1)
	go func() {
		var gb wire.LockGranted
		if err := b.Request(ctx, p2p.LockService, wire.RequestLock{ClientID: "b", RequestID: "rb"}, &gb); err == nil {
			done <- gb
		}
	}()
	require.Eventually(t, func() bool { return len(svc.State().Queue) == 1 }, time.Second, time.Millisecond)

	require.NoError(t, a.Request(ctx, p2p.LockService, wire.ReleaseLock{ClientID: "a", Token: ga.Token}, nil))
	select {
	case gb := <-done:
		require.True(t, gb.LockGranted)
		require.Equal(t, ga.Seq+1, gb.Seq)
	case <-time.After(time.Second):
		t.Fatal("queued requester not granted after release")
	}
}

func TestHandler_CallerTimeoutLeavesQueue(t *testing.T) {
	svc, a, b := lockCluster(t)
	ctx := context.Background()

	var ga wire.LockGranted
	require.NoError(t, a.Request(ctx, p2p.LockService, wire.RequestLock{ClientID: "a", RequestID: "ra"}, &ga))

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := b.Request(short, p2p.LockService, wire.RequestLock{ClientID: "b", RequestID: "rb"}, nil)
	require.ErrorIs(t, err, p2p.ErrTimeout)

	require.Eventually(t, func() bool { return len(svc.State().Queue) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, a.Request(ctx, p2p.LockService, wire.ReleaseLock{ClientID: "a", Token: ga.Token}, nil))
	require.False(t, svc.State().Held, "no grant may go to a caller that left")
}

func TestHandler_AnonymousRequestsKeepTheirPlace(t *testing.T) {
	hub := p2p.NewMemHub()
	svc := NewService(Config{}, nil, nil)
	hub.Join("lockd").Serve(p2p.LockService, svc.Handler())
	a, b, c := hub.Join("a"), hub.Join("b"), hub.Join("c")
	ctx := context.Background()

	var ga wire.LockGranted
	require.NoError(t, a.Request(ctx, p2p.LockService, wire.RequestLock{ClientID: "a"}, &ga))

	done := make(chan wire.LockGranted, 1)
	go func() {
		var gc wire.LockGranted
		if err := c.Request(ctx, p2p.LockService, wire.RequestLock{ClientID: "c"}, &gc); err == nil {
			done <- gc
		}
	}()
	require.Eventually(t, func() bool { return len(svc.State().Queue) == 1 }, time.Second, time.Millisecond)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, b.Request(short, p2p.LockService, wire.RequestLock{ClientID: "b"}, nil), p2p.ErrTimeout)
	require.Eventually(t, func() bool {
		q := svc.State().Queue
		return len(q) == 1 && q[0] == "c"
	}, time.Second, time.Millisecond)

	// Cancelling without an id withdraws nothing.
	var cl wire.LockCancelled
	require.NoError(t, b.Request(ctx, p2p.LockService, wire.CancelLock{ClientID: "b"}, &cl))
	require.False(t, cl.LockCancelled)
	require.Equal(t, "a", svc.State().Holder)

	require.NoError(t, a.Request(ctx, p2p.LockService, wire.ReleaseLock{ClientID: "a", Token: ga.Token}, nil))
	select {
	case gc := <-done:
		require.Equal(t, ga.Seq+1, gc.Seq)
	case <-time.After(time.Second):
		t.Fatal("queued requester not granted after release")
	}
}

func TestHandler_CancelLock(t *testing.T) {
	svc, a, _ := lockCluster(t)
	ctx := context.Background()

	var g wire.LockGranted
	require.NoError(t, a.Request(ctx, p2p.LockService, wire.RequestLock{ClientID: "a", RequestID: "r1"}, &g))

	var c wire.LockCancelled
	require.NoError(t, a.Request(ctx, p2p.LockService, wire.CancelLock{ClientID: "a", RequestID: "r1"}, &c))
	require.True(t, c.LockCancelled)
	require.False(t, svc.State().Held)

	require.NoError(t, a.Request(ctx, p2p.LockService, wire.CancelLock{ClientID: "a", RequestID: "r1"}, &c))
	require.False(t, c.LockCancelled)
}

func TestHandler_RejectsExchangeMessages(t *testing.T) {
	_, a, _ := lockCluster(t)
	err := a.Request(context.Background(), p2p.LockService, wire.GetOrderBook{}, nil)
	var re *p2p.RemoteError
	require.ErrorAs(t, err, &re)
}
