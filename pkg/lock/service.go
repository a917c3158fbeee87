// Package lock implements the cluster's single named mutual-exclusion lock.
//
// The service is a state machine over {Free, Held} plus a FIFO of waiters.
// A waiter is a deferred reply: the service never blocks on one, it just
// answers it when the lock is handed over.
package lock

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uhyunpark/replex/pkg/metrics"
	"github.com/uhyunpark/replex/pkg/util"
)

var ErrNotHolder = errors.New("release by a caller that does not hold the lock")

// Grant is what a requester receives when the lock becomes its own. Token is
// required to release; Seq increases with every grant.
type Grant struct {
	Token string
	Seq   uint64
}

// Waiter receives a grant. An error means the requester is gone and the
// grant was not taken.
type Waiter interface {
	Grant(g Grant) error
}

type WaiterFunc func(g Grant) error

func (f WaiterFunc) Grant(g Grant) error { return f(g) }

type Config struct {
	// LeaseTTL force-releases a grant not released in time. Zero disables it.
	LeaseTTL time.Duration
	Clock    util.Clock
	// OnLeaseExpired is called outside the service mutex after a forced release.
	OnLeaseExpired func(clientID string, seq uint64)
}

type pending struct {
	clientID  string
	requestID string
	w         Waiter
	queuedAt  time.Time
}

type holder struct {
	clientID  string
	requestID string
	token     string
	seq       uint64
	lease     util.Timer
}

// State is a point-in-time view for logs and tests.
type State struct {
	Held   bool
	Holder string
	Queue  []string
	Seq    uint64
}

type Service struct {
	mu     sync.Mutex
	held   bool
	holder holder
	queue  []pending
	seq    uint64

	cfg   Config
	clock util.Clock
	log   *zap.SugaredLogger
	m     *metrics.Metrics
}

func NewService(cfg Config, log *zap.SugaredLogger, m *metrics.Metrics) *Service {
	clock := cfg.Clock
	if clock == nil {
		clock = util.RealClock{}
	}
	if m == nil {
		m = metrics.New()
	}
	return &Service{cfg: cfg, clock: clock, log: util.OrNop(log), m: m}
}

// Request grants the lock to w at once if it is free, otherwise queues w at
// the tail. Nothing is sent to a queued waiter until a release reaches it.
func (s *Service) Request(clientID, requestID string, w Waiter) {
	s.mu.Lock()
	if s.held {
		s.queue = append(s.queue, pending{clientID: clientID, requestID: requestID, w: w, queuedAt: s.clock.Now()})
		s.m.LockQueueDepth.Set(float64(len(s.queue)))
		s.log.Debugw("lock_queued", "client", clientID, "request", requestID, "depth", len(s.queue))
		s.mu.Unlock()
		return
	}
	g := s.grantLocked(pending{clientID: clientID, requestID: requestID, w: w})
	s.mu.Unlock()

	s.deliver(w, g)
}

// Release frees the lock or hands it straight to the head of the queue. The
// token must be the one handed out with the current grant.
func (s *Service) Release(clientID, token string) error {
	s.mu.Lock()
	if !s.held || s.holder.token != token {
		held := s.held
		s.mu.Unlock()
		s.log.Warnw("lock_release_rejected", "client", clientID, "held", held)
		return ErrNotHolder
	}
	s.log.Debugw("lock_released", "client", clientID, "seq", s.holder.seq)
	next, g, ok := s.handoffLocked()
	s.mu.Unlock()

	if ok {
		s.deliver(next.w, g)
	}
	return nil
}

// Cancel withdraws requestID. A queued request is dropped; a request that was
// already granted and still holds the lock is released. It reports whether
// anything was withdrawn. An empty requestID names no request.
func (s *Service) Cancel(clientID, requestID string) bool {
	if requestID == "" {
		return false
	}
	if s.dropQueued(requestID) {
		s.log.Infow("lock_request_cancelled", "client", clientID, "request", requestID, "state", "queued")
		return true
	}
	s.mu.Lock()
	if !s.held || s.holder.requestID != requestID {
		s.mu.Unlock()
		return false
	}
	next, g, ok := s.handoffLocked()
	s.mu.Unlock()

	s.log.Infow("lock_request_cancelled", "client", clientID, "request", requestID, "state", "granted")
	if ok {
		s.deliver(next.w, g)
	}
	return true
}

func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := State{Held: s.held, Seq: s.seq}
	if s.held {
		st.Holder = s.holder.clientID
	}
	for _, p := range s.queue {
		st.Queue = append(st.Queue, p.clientID)
	}
	return st
}

// grantLocked makes p the holder. Caller holds s.mu.
func (s *Service) grantLocked(p pending) Grant {
	if s.holder.lease != nil {
		s.holder.lease.Stop()
	}
	s.seq++
	s.held = true
	s.holder = holder{
		clientID:  p.clientID,
		requestID: p.requestID,
		token:     uuid.NewString(),
		seq:       s.seq,
	}
	if s.cfg.LeaseTTL > 0 {
		token := s.holder.token
		s.holder.lease = s.clock.AfterFunc(s.cfg.LeaseTTL, func() { s.expire(token) })
	}
	s.m.LockGrants.Inc()
	if p.queuedAt.IsZero() {
		s.log.Debugw("lock_granted", "client", p.clientID, "seq", s.seq)
	} else {
		s.log.Debugw("lock_granted", "client", p.clientID, "seq", s.seq, "waited", s.clock.Now().Sub(p.queuedAt))
	}
	return Grant{Token: s.holder.token, Seq: s.seq}
}

// handoffLocked passes the lock to the queue head, or frees it. The lock is
// never free while someone waits. Caller holds s.mu.
func (s *Service) handoffLocked() (pending, Grant, bool) {
	if len(s.queue) == 0 {
		if s.holder.lease != nil {
			s.holder.lease.Stop()
		}
		s.held = false
		s.holder = holder{}
		s.m.LockQueueDepth.Set(0)
		return pending{}, Grant{}, false
	}
	next := s.queue[0]
	s.queue = s.queue[1:]
	s.m.LockQueueDepth.Set(float64(len(s.queue)))
	return next, s.grantLocked(next), true
}

// deliver answers a waiter outside the mutex. If the waiter is gone the grant
// is withdrawn and the lock moves on.
func (s *Service) deliver(w Waiter, g Grant) {
	for {
		err := w.Grant(g)
		if err == nil {
			return
		}
		s.log.Warnw("lock_grant_undeliverable", "seq", g.Seq, "err", err)

		s.mu.Lock()
		if !s.held || s.holder.token != g.Token {
			s.mu.Unlock()
			return
		}
		next, ng, ok := s.handoffLocked()
		s.mu.Unlock()
		if !ok {
			return
		}
		w, g = next.w, ng
	}
}

func (s *Service) expire(token string) {
	s.mu.Lock()
	if !s.held || s.holder.token != token {
		s.mu.Unlock()
		return
	}
	expired := s.holder
	next, g, ok := s.handoffLocked()
	s.mu.Unlock()

	s.m.LockLeaseExpiry.Inc()
	s.log.Warnw("lock_lease_expired", "client", expired.clientID, "seq", expired.seq, "ttl", s.cfg.LeaseTTL)
	if s.cfg.OnLeaseExpired != nil {
		s.cfg.OnLeaseExpired(expired.clientID, expired.seq)
	}
	if ok {
		s.deliver(next.w, g)
	}
}
