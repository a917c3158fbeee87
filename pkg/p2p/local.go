package p2p

import (
	"context"
	"fmt"

	"github.com/uhyunpark/replex/pkg/wire"
)

// callLocal runs h in-process as if msg had crossed the wire: the handler gets
// its own decoded copy and the caller waits on the deferred reply.
func callLocal(ctx, serveCtx context.Context, h Handler, from, to string, svc Service, msg wire.Message) (wire.Response, error) {
	raw, err := wire.Encode(msg)
	if err != nil {
		return wire.Response{}, fmt.Errorf("encode %s: %w", msg.Kind(), err)
	}
	copied, err := wire.Decode(raw)
	if err != nil {
		return wire.Response{}, fmt.Errorf("decode %s: %w", msg.Kind(), err)
	}

	slot, ch := chanSlot()
	go h.ServeRPC(serveCtx, from, copied, slot)

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		if slot.abandon() {
			return wire.Response{}, timeoutErr(ctx, svc, to)
		}
		return <-ch, nil
	}
}
