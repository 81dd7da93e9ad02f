package fake

import (
	"context"
	"io"
	"sync"
	"time"
)

// ValueSource emits a fixed value list in order, then io.EOF.
type ValueSource struct {
	mu     sync.Mutex
	values []any
	closed bool
}

func Values(values ...any) *ValueSource {
	return &ValueSource{values: values}
}

func (s *ValueSource) Next(ctx context.Context) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.values) == 0 {
		return nil, io.EOF
	}
	v := s.values[0]
	s.values = s.values[1:]
	return v, nil
}

func (s *ValueSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type pushItem struct {
	v   any
	err error
}

// PushSource delivers values pushed by the test. End closes the sequence
// (io.EOF once drained); Fail ends it with an error. Pushes after the
// sequence has ended are dropped.
type PushSource struct {
	mu     sync.Mutex
	ch     chan pushItem
	closed bool
}

func NewPush(buffer int) *PushSource {
	return &PushSource{ch: make(chan pushItem, buffer)}
}

func (s *PushSource) Push(v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.ch <- pushItem{v: v}
}

func (s *PushSource) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

func (s *PushSource) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.ch <- pushItem{err: err}
	s.closed = true
	close(s.ch)
}

func (s *PushSource) Next(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case item, ok := <-s.ch:
		if !ok {
			return nil, io.EOF
		}
		if item.err != nil {
			return nil, item.err
		}
		return item.v, nil
	}
}

func (s *PushSource) Close() error {
	s.End()
	return nil
}

// TickSource emits build(n) every interval until closed.
type TickSource struct {
	interval time.Duration
	build    func(n int64) any
	stop     chan struct{}
	stopOnce sync.Once
	n        int64
}

func Ticks(interval time.Duration, build func(n int64) any) *TickSource {
	return &TickSource{interval: interval, build: build, stop: make(chan struct{})}
}

func (s *TickSource) Next(ctx context.Context) (any, error) {
	timer := time.NewTimer(s.interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.stop:
		return nil, io.EOF
	case <-timer.C:
		s.n++
		return s.build(s.n), nil
	}
}

func (s *TickSource) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}
