package exchange

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrLockTimeout: the cluster lock was not granted in time. The order was
	// not applied anywhere and may be resubmitted.
	ErrLockTimeout = errors.New("timed out waiting for the cluster lock")
	// ErrLockUnavailable: the lock service could not be reached or refused
	// the request. The order was not applied.
	ErrLockUnavailable = errors.New("lock service unavailable")
	// ErrFatal: the order was applied and broadcast but the lock could not be
	// released. The lease on the lock service frees it eventually.
	ErrFatal = errors.New("cluster lock release failed")
)

// BroadcastError reports peers that did not acknowledge an orderAdded. The
// order is applied locally and the lock was released; the listed peers hold
// a stale book.
type BroadcastError struct {
	Seq   uint64
	Peers []string
	Total int
	Err   error
}

func (e *BroadcastError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("broadcast seq %d: %v", e.Seq, e.Err)
	}
	return fmt.Sprintf("broadcast seq %d: %d/%d peers did not ack: %s",
		e.Seq, len(e.Peers), e.Total, strings.Join(e.Peers, ","))
}

func (e *BroadcastError) Unwrap() error { return e.Err }

// Retryable reports whether a failed submission left no trace and can be
// sent again as is.
func Retryable(err error) bool {
	return errors.Is(err, ErrLockTimeout) || errors.Is(err, ErrLockUnavailable)
}

// Accepted reports whether err still means the order is in the book. A
// partial broadcast or a failed release does not undo the local apply.
func Accepted(err error) bool {
	if err == nil {
		return true
	}
	var be *BroadcastError
	return errors.As(err, &be) || errors.Is(err, ErrFatal)
}
