package exchange

import (
	"errors"
	"fmt"
)

// Error taxonomy for the exchange engine. Every fatal error terminates
// the owning Engine instance and is surfaced to the coordinator through
// the completion callback's error argument; Status reports only the
// Stopped state (with ErrStopped), not the terminal error.
var (
	// ErrLockFailed covers both a rejected local get_lock and a
	// non-ok LOCK_TREE reply from the remote sink.
	ErrLockFailed = errors.New("exchange: failed to acquire fullsync-source lock")

	// ErrNotResponsible is returned when the local or remote tree
	// service reports it no longer owns the IndexN being updated.
	ErrNotResponsible = errors.New("exchange: tree service not responsible for index_n")

	// ErrTreeDown is the reason reported when the monitored local
	// hash-tree process exits while the engine is running.
	ErrTreeDown = errors.New("exchange: something_went_down")

	// ErrTransport covers a failed send, a failed read, or an error
	// term carried in a REPLY frame.
	ErrTransport = errors.New("exchange: transport fault")

	// ErrCanceled is the reason reported when the engine is asked to
	// cancel; it is a normal stop, never surfaced as a failure.
	ErrCanceled = errors.New("exchange: fullsync canceled")

	// ErrStopped is returned by Status once the engine has already
	// reached the Stopped state.
	ErrStopped = errors.New("exchange: engine already stopped")

	// ErrTimeout is the reason reported when a state transition's
	// synchronous call (INIT, LOCK_TREE, UPDATE_TREE, ...) outruns the
	// configured anti-entropy timeout without a REPLY, per spec §6
	// Configuration's per-state-transition timeout.
	ErrTimeout = errors.New("exchange: anti-entropy timeout")
)

// NotResponsibleError pins the partition and IndexN that the tree
// service refused to own, per spec §7.
type NotResponsibleError struct {
	Partition uint64
	IndexN    IndexN
}

func (e *NotResponsibleError) Error() string {
	return fmt.Sprintf("%v: partition=%d index_n=%s", ErrNotResponsible, e.Partition, e.IndexN)
}

func (e *NotResponsibleError) Unwrap() error { return ErrNotResponsible }

// RemoteLockError wraps the reason term a remote sink attached to a
// rejected LOCK_TREE reply.
type RemoteLockError struct {
	Reason string
}

func (e *RemoteLockError) Error() string {
	return fmt.Sprintf("%v: remote reply=%s", ErrLockFailed, e.Reason)
}

func (e *RemoteLockError) Unwrap() error { return ErrLockFailed }
