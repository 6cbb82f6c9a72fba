package core

import "errors"

// errors.go defines the stable error taxonomy. Each sentinel is wrapped
// with fmt.Errorf("%w: ...", ...) at the call site rather than carrying
// its own struct hierarchy.
var (
	// ErrParsing: malformed binary or base58 input. Never retried; the
	// offending frame is dropped.
	ErrParsing = errors.New("parsing error")

	// ErrSerialize: a value exceeds its declared wire bound. Indicates a bug;
	// the containing operation is aborted.
	ErrSerialize = errors.New("serialize error")

	// ErrTimedOut: a bounded operation exceeded its deadline. The
	// connection/session is dropped.
	ErrTimedOut = errors.New("timed out")

	// ErrChannel: the peer task has terminated.
	ErrChannel = errors.New("channel error")

	// ErrReceivedError: a structured error frame was received from a remote
	// peer.
	ErrReceivedError = errors.New("received error from peer")

	// ErrIncompatibleVersion: the version handshake failed.
	ErrIncompatibleVersion = errors.New("incompatible version")

	// ErrInconsistency: a local state invariant was violated. Fatal to the
	// current operation.
	ErrInconsistency = errors.New("inconsistency error")

	// ErrRuntime: contract execution error (gas exhaustion, write rights,
	// balance under/overflow). Confined to the speculative ledger of that
	// execution.
	ErrRuntime = errors.New("runtime error")

	// ErrNotFound: a queried entity is absent.
	ErrNotFound = errors.New("not found")
)
