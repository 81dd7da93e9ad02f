package executor

import "context"

// ResultKind tags the shape of an execution result.
type ResultKind int

const (
	// KindDirect is exactly one result value.
	KindDirect ResultKind = iota
	// KindDeferred is one immediate value followed by a patch sequence.
	KindDeferred
	// KindStream is a result sequence with no immediate value.
	KindStream
)

func (k ResultKind) String() string {
	switch k {
	case KindDirect:
		return "direct"
	case KindDeferred:
		return "deferred"
	case KindStream:
		return "stream"
	default:
		return "unknown"
	}
}

// Result is the tagged outcome of executing one plan. Data is set for
// Direct and Deferred; Source is set for Deferred and Stream.
type Result struct {
	Kind   ResultKind
	Data   any
	Source Source
}

func Direct(data any) Result {
	return Result{Kind: KindDirect, Data: data}
}

func Deferred(initial any, src Source) Result {
	return Result{Kind: KindDeferred, Data: initial, Source: src}
}

func Stream(src Source) Result {
	return Result{Kind: KindStream, Source: src}
}

// Source is a lazy, possibly infinite, non-restartable result sequence.
// Next blocks until a value is available, the sequence ends (io.EOF), the
// source fails, or ctx is cancelled. Close releases the sequence; it is
// safe to call more than once.
type Source interface {
	Next(ctx context.Context) (any, error)
	Close() error
}
