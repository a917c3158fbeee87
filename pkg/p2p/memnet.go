package p2p

import (
	"context"
	"sync"
	"time"

	"github.com/uhyunpark/replex/pkg/wire"
)

// Fault decides what happens to one delivery on a MemHub: drop it (the caller
// times out) and/or delay it.
type Fault func(from, to string, svc Service, msg wire.Message) (drop bool, delay time.Duration)

// MemHub connects MemNets in one process. Tests use it to run whole clusters
// and to inject loss and reordering.
type MemHub struct {
	mu     sync.RWMutex
	nodes  map[string]*MemNet
	order  []string
	fault  Fault
	next   map[Service]int
	alerts []chan Alert
}

func NewMemHub() *MemHub {
	return &MemHub{
		nodes: make(map[string]*MemNet),
		next:  make(map[Service]int),
	}
}

func (h *MemHub) Join(id string) *MemNet {
	ctx, cancel := context.WithCancel(context.Background())
	n := &MemNet{
		id:       id,
		hub:      h,
		handlers: make(map[Service]Handler),
		ctx:      ctx,
		cancel:   cancel,
	}
	h.mu.Lock()
	if _, ok := h.nodes[id]; !ok {
		h.order = append(h.order, id)
	}
	h.nodes[id] = n
	h.mu.Unlock()
	return n
}

func (h *MemHub) SetFault(f Fault) {
	h.mu.Lock()
	h.fault = f
	h.mu.Unlock()
}

// SubscribeAlerts returns a channel receiving every alert published on the hub.
func (h *MemHub) SubscribeAlerts() <-chan Alert {
	ch := make(chan Alert, 64)
	h.mu.Lock()
	h.alerts = append(h.alerts, ch)
	h.mu.Unlock()
	return ch
}

func (h *MemHub) instances(svc Service) []*MemNet {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*MemNet
	for _, id := range h.order {
		n := h.nodes[id]
		if n.serves(svc) {
			out = append(out, n)
		}
	}
	return out
}

func (h *MemHub) pick(svc Service, candidates []*MemNet) *MemNet {
	h.mu.Lock()
	defer h.mu.Unlock()
	i := h.next[svc] % len(candidates)
	h.next[svc]++
	return candidates[i]
}

func (h *MemHub) faultFor(from, to string, svc Service, msg wire.Message) (bool, time.Duration) {
	h.mu.RLock()
	f := h.fault
	h.mu.RUnlock()
	if f == nil {
		return false, 0
	}
	return f(from, to, svc, msg)
}

// MemNet is one member of a MemHub.
type MemNet struct {
	id  string
	hub *MemHub

	mu       sync.RWMutex
	handlers map[Service]Handler
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
}

var _ Network = (*MemNet)(nil)
var _ AlertPublisher = (*MemNet)(nil)

func (n *MemNet) Self() string { return n.id }

func (n *MemNet) Serve(svc Service, h Handler) {
	n.mu.Lock()
	n.handlers[svc] = h
	n.mu.Unlock()
}

func (n *MemNet) serves(svc Service) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.handlers[svc]
	return ok && !n.closed
}

func (n *MemNet) handler(svc Service) (Handler, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	h, ok := n.handlers[svc]
	return h, ok && !n.closed
}

func (n *MemNet) Request(ctx context.Context, svc Service, msg wire.Message, out any) error {
	candidates := n.hub.instances(svc)
	if len(candidates) == 0 {
		return ErrNoInstance
	}
	to := n.hub.pick(svc, candidates)
	resp, err := n.deliver(ctx, to, svc, msg)
	if err != nil {
		return err
	}
	return decodeResponse(to.id, resp, out)
}

func (n *MemNet) Broadcast(ctx context.Context, svc Service, msg wire.Message) ([]Result, error) {
	targets := n.hub.instances(svc)
	if len(targets) == 0 {
		return nil, ErrNoInstance
	}
	results := make([]Result, len(targets))
	var wg sync.WaitGroup
	for i, to := range targets {
		wg.Add(1)
		go func(i int, to *MemNet) {
			defer wg.Done()
			results[i].Peer = to.id
			resp, err := n.deliver(ctx, to, svc, msg)
			if err == nil && resp.Error != "" {
				err = &RemoteError{Peer: to.id, Msg: resp.Error}
			}
			results[i].Data = resp.Data
			results[i].Err = err
		}(i, to)
	}
	wg.Wait()
	return results, nil
}

func (n *MemNet) deliver(ctx context.Context, to *MemNet, svc Service, msg wire.Message) (wire.Response, error) {
	drop, delay := n.hub.faultFor(n.id, to.id, svc, msg)
	if drop {
		<-ctx.Done()
		return wire.Response{}, timeoutErr(ctx, svc, to.id)
	}
	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return wire.Response{}, timeoutErr(ctx, svc, to.id)
		}
	}
	h, ok := to.handler(svc)
	if !ok {
		return wire.Response{}, ErrNoInstance
	}
	return callLocal(ctx, to.ctx, h, n.id, to.id, svc, msg)
}

func (n *MemNet) PublishAlert(_ context.Context, a Alert) error {
	if a.Node == "" {
		a.Node = n.id
	}
	n.hub.mu.RLock()
	defer n.hub.mu.RUnlock()
	for _, ch := range n.hub.alerts {
		select {
		case ch <- a:
		default:
		}
	}
	return nil
}

// Close takes the node out of every service group.
func (n *MemNet) Close() error {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	n.cancel()
	return nil
}
