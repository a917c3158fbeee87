package p2p

import (
	"encoding/json"
	"sync"

	"github.com/uhyunpark/replex/pkg/wire"
)

// replySlot is the single-use reply handle behind ReplyWriter. Delivery and
// abandonment are mutually exclusive: once the caller gives up no reply can
// land, and once a reply landed the caller will read it.
type replySlot struct {
	mu      sync.Mutex
	replied bool
	gone    bool
	goneCh  chan struct{}
	doneCh  chan struct{}
	deliver func(wire.Response) error
}

func newReplySlot(deliver func(wire.Response) error) *replySlot {
	return &replySlot{
		goneCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		deliver: deliver,
	}
}

func (r *replySlot) Reply(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return r.send(wire.Response{Data: data})
}

func (r *replySlot) Fail(err error) error {
	return r.send(wire.Response{Error: err.Error()})
}

func (r *replySlot) Gone() <-chan struct{} { return r.goneCh }

func (r *replySlot) done() <-chan struct{} { return r.doneCh }

func (r *replySlot) send(resp wire.Response) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gone {
		return ErrCallerGone
	}
	if r.replied {
		return ErrReplied
	}
	if err := r.deliver(resp); err != nil {
		r.gone = true
		close(r.goneCh)
		return err
	}
	r.replied = true
	close(r.doneCh)
	return nil
}

// abandon marks the caller as gone. It reports false if a reply already landed.
func (r *replySlot) abandon() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.replied {
		return false
	}
	if !r.gone {
		r.gone = true
		close(r.goneCh)
	}
	return true
}

// chanSlot delivers into a buffered channel for in-process calls.
func chanSlot() (*replySlot, <-chan wire.Response) {
	ch := make(chan wire.Response, 1)
	return newReplySlot(func(resp wire.Response) error {
		ch <- resp
		return nil
	}), ch
}
