package p2p

import "context"

// Alert kinds published on the operational channel.
const (
	AlertBroadcastPartial = "broadcast_partial_failure"
	AlertReleaseFailed    = "lock_release_failed"
	AlertLeaseExpired     = "lock_lease_expired"
)

// Alert is an operational event other processes should hear about, such as a
// peer left stale by a failed replication broadcast.
type Alert struct {
	Node   string   `json:"node"`
	Kind   string   `json:"kind"`
	Detail string   `json:"detail,omitempty"`
	Peers  []string `json:"peers,omitempty"`
	Seq    uint64   `json:"seq,omitempty"`
	Time   int64    `json:"time"`
}

type AlertPublisher interface {
	PublishAlert(ctx context.Context, a Alert) error
}
