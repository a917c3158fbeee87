package lock

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/uhyunpark/replex/pkg/p2p"
	"github.com/uhyunpark/replex/pkg/wire"
)

// replyWaiter turns a deferred RPC reply into a Waiter.
type replyWaiter struct {
	w       p2p.ReplyWriter
	once    sync.Once
	granted chan struct{}
}

func newReplyWaiter(w p2p.ReplyWriter) *replyWaiter {
	return &replyWaiter{w: w, granted: make(chan struct{})}
}

func (r *replyWaiter) Grant(g Grant) error {
	if err := r.w.Reply(wire.LockGranted{LockGranted: true, Token: g.Token, Seq: g.Seq}); err != nil {
		return err
	}
	r.once.Do(func() { close(r.granted) })
	return nil
}

// Handler serves requestLock, releaseLock and cancelLock on the lock_worker service.
func (s *Service) Handler() p2p.Handler {
	return p2p.HandlerFunc(s.serveRPC)
}

func (s *Service) serveRPC(ctx context.Context, from string, msg wire.Message, w p2p.ReplyWriter) {
	switch m := msg.(type) {
	case wire.RequestLock:
		if m.RequestID == "" {
			// Callers that send no id can still be dropped when they go away.
			m.RequestID = uuid.NewString()
		}
		rw := newReplyWaiter(w)
		s.Request(m.ClientID, m.RequestID, rw)
		// A caller that stops waiting while queued is dropped from the queue.
		go func() {
			select {
			case <-w.Gone():
				if s.dropQueued(m.RequestID) {
					s.log.Infow("lock_waiter_gone", "client", m.ClientID, "request", m.RequestID)
				}
			case <-rw.granted:
			case <-ctx.Done():
			}
		}()

	case wire.ReleaseLock:
		if err := s.Release(m.ClientID, m.Token); err != nil {
			_ = w.Fail(err)
			return
		}
		_ = w.Reply(wire.LockReleased{LockReleased: true})

	case wire.CancelLock:
		_ = w.Reply(wire.LockCancelled{LockCancelled: s.Cancel(m.ClientID, m.RequestID)})

	default:
		s.log.Warnw("lock_unexpected_message", "from", from, "type", msg.Kind())
		_ = w.Fail(fmt.Errorf("%w: %s on %s", wire.ErrUnknownKind, msg.Kind(), p2p.LockService))
	}
}

// dropQueued removes a queued request without touching a granted one.
func (s *Service) dropQueued(requestID string) bool {
	if requestID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.queue {
		if p.requestID == requestID {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			s.m.LockQueueDepth.Set(float64(len(s.queue)))
			return true
		}
	}
	return false
}
