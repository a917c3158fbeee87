package p2p

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/uhyunpark/replex/pkg/wire"
)

const (
	topicOps = "replex-ops"

	// maxFrame bounds one request or reply on a stream.
	maxFrame = 1 << 20
)

func protocolFor(svc Service) protocol.ID {
	return protocol.ID("/replex/" + string(svc) + "/1.0.0")
}

// readFrame reads one reply, terminated by the server closing its side.
func readFrame(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxFrame+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxFrame {
		return nil, fmt.Errorf("frame exceeds %d bytes", maxFrame)
	}
	return data, nil
}

// readRequest reads exactly one JSON document. The caller keeps its side of
// the stream open, so a later reset is still visible to watchCaller.
func readRequest(r io.Reader) ([]byte, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(io.LimitReader(r, maxFrame)).Decode(&raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func writeResponse(w io.Writer, resp wire.Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
