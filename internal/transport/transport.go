package transport

import (
	"context"
	"errors"
)

// ErrClosed reports a cleanly closed transport. Callers treat it as an
// orderly peer departure, not a fault.
var ErrClosed = errors.New("transport: closed")

// State is the observable transport lifecycle.
type State int

const (
	StateOpen State = iota
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transport is one duplex frame channel. Send must not be called
// concurrently; the owning connection serializes writers. Receive blocks
// until a frame arrives or the transport closes; ctx is honored as a
// fast-path check where the underlying connection cannot select on it.
type Transport interface {
	Send(ctx context.Context, frame []byte) error
	Receive(ctx context.Context) ([]byte, error)
	State() State
	Close() error
}
