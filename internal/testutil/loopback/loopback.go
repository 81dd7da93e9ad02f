// Package loopback provides an in-memory transport for protocol loop
// tests.
package loopback

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/pulsectl/internal/transport"
)

// Transport is a channel-backed transport.Transport. Frames written by
// the code under test land on an internal queue read through Await;
// tests feed peer frames in through Push.
type Transport struct {
	in  chan []byte
	out chan []byte

	mu      sync.Mutex
	closed  bool
	closeCh chan struct{}
}

func New() *Transport {
	return &Transport{
		in:      make(chan []byte, 16),
		out:     make(chan []byte, 64),
		closeCh: make(chan struct{}),
	}
}

func (tr *Transport) Send(ctx context.Context, frame []byte) error {
	if tr.isClosed() {
		return transport.ErrClosed
	}
	buf := append([]byte(nil), frame...)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tr.closeCh:
		return transport.ErrClosed
	case tr.out <- buf:
		return nil
	}
}

func (tr *Transport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-tr.closeCh:
		return nil, transport.ErrClosed
	default:
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-tr.closeCh:
		return nil, transport.ErrClosed
	case frame := <-tr.in:
		return frame, nil
	}
}

func (tr *Transport) State() transport.State {
	if tr.isClosed() {
		return transport.StateClosed
	}
	return transport.StateOpen
}

func (tr *Transport) Close() error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.closed {
		return nil
	}
	tr.closed = true
	close(tr.closeCh)
	return nil
}

func (tr *Transport) isClosed() bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.closed
}

// Push feeds one peer frame to the code under test.
func (tr *Transport) Push(frame string) {
	tr.in <- []byte(frame)
}

// Await returns the next written frame decoded as JSON, failing t if
// none arrives in time.
func (tr *Transport) Await(t testing.TB) map[string]any {
	t.Helper()
	select {
	case frame := <-tr.out:
		var m map[string]any
		if err := json.Unmarshal(frame, &m); err != nil {
			t.Fatalf("malformed frame %s: %v", frame, err)
		}
		return m
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for frame")
		return nil
	}
}

// TryAwait returns the next written frame if one arrives within d.
func (tr *Transport) TryAwait(d time.Duration) (map[string]any, bool) {
	select {
	case frame := <-tr.out:
		var m map[string]any
		_ = json.Unmarshal(frame, &m)
		return m, true
	case <-time.After(d):
		return nil, false
	}
}
