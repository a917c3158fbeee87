package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/uhyunpark/replex/pkg/wire"
)

// Service is a logical service name. Any number of processes may serve it.
type Service string

const (
	ExchangeService Service = "exchange_worker"
	LockService     Service = "lock_worker"
)

var (
	ErrNoInstance = errors.New("no live instance of service")
	ErrTimeout    = errors.New("rpc timeout")
	ErrReplied    = errors.New("reply already sent")
	ErrCallerGone = errors.New("caller no longer waiting")
	ErrClosed     = errors.New("network closed")
)

// RemoteError is an error reported by the handler on the other side.
type RemoteError struct {
	Peer string
	Msg  string
}

func (e *RemoteError) Error() string { return fmt.Sprintf("remote %s: %s", e.Peer, e.Msg) }

// ReplyWriter is the deferred-response handle given to a handler. The handler
// may answer after it returns; the caller stays blocked until it does or its
// own deadline passes.
type ReplyWriter interface {
	Reply(v any) error
	Fail(err error) error
	// Gone is closed once the caller stopped waiting.
	Gone() <-chan struct{}
}

type Handler interface {
	ServeRPC(ctx context.Context, from string, msg wire.Message, w ReplyWriter)
}

type HandlerFunc func(ctx context.Context, from string, msg wire.Message, w ReplyWriter)

func (f HandlerFunc) ServeRPC(ctx context.Context, from string, msg wire.Message, w ReplyWriter) {
	f(ctx, from, msg, w)
}

// Result is one instance's answer to a broadcast.
type Result struct {
	Peer string
	Data json.RawMessage
	Err  error
}

// Network is the request/reply and group-broadcast substrate. Timeouts come
// from the caller's context.
type Network interface {
	Self() string
	Serve(svc Service, h Handler)
	// Request delivers msg to one live instance of svc and decodes its reply into out.
	Request(ctx context.Context, svc Service, msg wire.Message, out any) error
	// Broadcast delivers msg to every live instance of svc, self included,
	// and waits for all of them or the deadline.
	Broadcast(ctx context.Context, svc Service, msg wire.Message) ([]Result, error)
	Close() error
}

// Failed returns the peers whose broadcast result is an error.
func Failed(results []Result) []string {
	var out []string
	for _, r := range results {
		if r.Err != nil {
			out = append(out, r.Peer)
		}
	}
	return out
}

func decodeResponse(peer string, resp wire.Response, out any) error {
	if resp.Error != "" {
		return &RemoteError{Peer: peer, Msg: resp.Error}
	}
	if out == nil || len(resp.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("decode reply from %s: %w", peer, err)
	}
	return nil
}

func timeoutErr(ctx context.Context, svc Service, peer string) error {
	return fmt.Errorf("%w: %s at %s: %w", ErrTimeout, svc, peer, ctx.Err())
}
