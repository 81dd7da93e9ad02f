package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/pulsectl/internal/auth"
	"github.com/danmuck/pulsectl/internal/executor"
	"github.com/danmuck/pulsectl/internal/executor/fake"
	"github.com/danmuck/pulsectl/internal/protocol"
	"github.com/danmuck/pulsectl/internal/testutil/loopback"
	"github.com/danmuck/pulsectl/internal/testutil/testlog"
	"github.com/danmuck/pulsectl/internal/transcript"
	"github.com/danmuck/pulsectl/internal/transport"
)

// fakeRegistry mirrors hub delivery semantics for in-package loop tests.
type fakeRegistry struct {
	mu      sync.Mutex
	conn    *Conn
	removes int
}

func (r *fakeRegistry) Remove(id string) {
	r.mu.Lock()
	r.removes++
	c := r.conn
	r.mu.Unlock()
	if c != nil && c.ID() == id {
		_ = c.Close()
	}
}

func (r *fakeRegistry) SendTo(ctx context.Context, c *Conn, msg protocol.ServerMessage) error {
	if c.State() != StateOpen {
		go r.Remove(c.ID())
		return transport.ErrClosed
	}
	if err := c.Send(ctx, msg); err != nil {
		if ctx.Err() == nil {
			go r.Remove(c.ID())
		}
		return err
	}
	return nil
}

func (r *fakeRegistry) removeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removes
}

type loopHarness struct {
	tr   *loopback.Transport
	conn *Conn
	reg  *fakeRegistry
	exec *fake.Executor
	done chan error
}

func startLoop(t *testing.T, cfg Config, opts DispatcherOptions) *loopHarness {
	t.Helper()
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = time.Second
	}
	exec := fake.New()
	tr := loopback.New()
	conn := NewConn("c1", tr, exec, cfg)
	reg := &fakeRegistry{conn: conn}
	d := NewDispatcher(conn, reg, exec, opts)
	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()
	t.Cleanup(func() { _ = conn.Close() })
	return &loopHarness{tr: tr, conn: conn, reg: reg, exec: exec, done: done}
}

func (h *loopHarness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("dispatcher did not exit")
		return nil
	}
}

func framePayload(t *testing.T, frame map[string]any) map[string]any {
	t.Helper()
	payload, ok := frame["payload"].(map[string]any)
	if !ok {
		t.Fatalf("frame %v carries no object payload", frame)
	}
	return payload
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDispatcherAcksInitAndExitsOnTerminate(t *testing.T) {
	testlog.Start(t)
	h := startLoop(t, Config{}, DispatcherOptions{})
	h.tr.Push(`{"type":"connection_init"}`)
	if frame := h.tr.Await(t); frame["type"] != "connection_ack" {
		t.Fatalf("got %v want connection_ack", frame["type"])
	}
	h.tr.Push(`{"type":"connection_terminate"}`)
	if err := h.wait(t); err != nil {
		t.Fatalf("run: %v", err)
	}
	if h.conn.State() != StateClosed {
		t.Fatalf("got state %v want closed", h.conn.State())
	}
	if h.reg.removeCount() == 0 {
		t.Fatalf("connection was not deregistered")
	}
}

func TestDispatcherEmitsKeepAlivesAfterAck(t *testing.T) {
	testlog.Start(t)
	h := startLoop(t, Config{KeepAliveInterval: 20 * time.Millisecond}, DispatcherOptions{})
	h.tr.Push(`{"type":"connection_init"}`)
	if frame := h.tr.Await(t); frame["type"] != "connection_ack" {
		t.Fatalf("got %v want connection_ack", frame["type"])
	}
	for i := 0; i < 2; i++ {
		if frame := h.tr.Await(t); frame["type"] != "ka" {
			t.Fatalf("frame %d: got %v want ka", i, frame["type"])
		}
	}
	h.tr.Push(`{"type":"connection_terminate"}`)
	if err := h.wait(t); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestDispatcherRejectsInitWhenAuthFails(t *testing.T) {
	testlog.Start(t)
	h := startLoop(t, Config{}, DispatcherOptions{Auth: auth.StaticToken{Token: "s3cret"}})
	h.tr.Push(`{"type":"connection_init","payload":{"authToken":"wrong"}}`)
	frame := h.tr.Await(t)
	if frame["type"] != "connection_error" {
		t.Fatalf("got %v want connection_error", frame["type"])
	}
	if got := framePayload(t, frame)["error"]; got != "authentication failed" {
		t.Fatalf("got error %v want authentication failed", got)
	}
	if err := h.wait(t); err != nil {
		t.Fatalf("run: %v", err)
	}
	if h.conn.State() != StateClosed {
		t.Fatalf("got state %v want closed", h.conn.State())
	}
}

func TestDispatcherAcceptsValidInitToken(t *testing.T) {
	testlog.Start(t)
	h := startLoop(t, Config{}, DispatcherOptions{Auth: auth.StaticToken{Token: "s3cret"}})
	h.tr.Push(`{"type":"connection_init","payload":{"authToken":"s3cret"}}`)
	if frame := h.tr.Await(t); frame["type"] != "connection_ack" {
		t.Fatalf("got %v want connection_ack", frame["type"])
	}
	h.tr.Push(`{"type":"connection_terminate"}`)
	if err := h.wait(t); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestDispatcherDirectResultSendsOneData(t *testing.T) {
	testlog.Start(t)
	h := startLoop(t, Config{}, DispatcherOptions{})
	h.exec.ScriptResult("{ viewer }", executor.Direct(map[string]any{"data": map[string]any{"viewer": "dm"}}))

	h.tr.Push(`{"type":"start","id":"1","payload":{"query":"{ viewer }"}}`)
	frame := h.tr.Await(t)
	if frame["type"] != "data" || frame["id"] != "1" {
		t.Fatalf("got type=%v id=%v want data/1", frame["type"], frame["id"])
	}
	if got := h.conn.SubscriptionCount(); got != 0 {
		t.Fatalf("got %d subscriptions want 0", got)
	}

	// Nothing was registered, so the same id can run again.
	h.tr.Push(`{"type":"start","id":"1","payload":{"query":"{ viewer }"}}`)
	if frame := h.tr.Await(t); frame["type"] != "data" {
		t.Fatalf("got %v want data on rerun", frame["type"])
	}
	if _, ok := h.tr.TryAwait(50 * time.Millisecond); ok {
		t.Fatalf("unexpected extra frame")
	}
}

func TestDispatcherStreamDeliversInOrder(t *testing.T) {
	testlog.Start(t)
	h := startLoop(t, Config{}, DispatcherOptions{})
	h.exec.ScriptResult("subscription { ticker }", executor.Stream(fake.Values(
		map[string]any{"data": map[string]any{"n": 1}},
		map[string]any{"data": map[string]any{"n": 2}},
		map[string]any{"data": map[string]any{"n": 3}},
	)))

	h.tr.Push(`{"type":"start","id":"s1","payload":{"query":"subscription { ticker }"}}`)
	for want := 1; want <= 3; want++ {
		frame := h.tr.Await(t)
		if frame["type"] != "data" || frame["id"] != "s1" {
			t.Fatalf("got type=%v id=%v want data/s1", frame["type"], frame["id"])
		}
		data := framePayload(t, frame)["data"].(map[string]any)
		if data["n"] != float64(want) {
			t.Fatalf("got n=%v want %d", data["n"], want)
		}
	}

	// Natural completion: registry entry drains away, no complete frame.
	waitFor(t, "subscription cleanup", func() bool { return h.conn.SubscriptionCount() == 0 })
	if frame, ok := h.tr.TryAwait(80 * time.Millisecond); ok {
		t.Fatalf("unexpected frame %v after natural completion", frame)
	}
}

func TestDispatcherDeferredSendsInitialThenPatches(t *testing.T) {
	testlog.Start(t)
	h := startLoop(t, Config{}, DispatcherOptions{})
	h.exec.ScriptResult("subscription { feed }", executor.Deferred(
		map[string]any{"data": map[string]any{"seq": 0}},
		fake.Values(
			map[string]any{"data": map[string]any{"seq": 1}},
			map[string]any{"data": map[string]any{"seq": 2}},
		),
	))

	h.tr.Push(`{"type":"start","id":"f1","payload":{"query":"subscription { feed }"}}`)
	for want := 0; want <= 2; want++ {
		frame := h.tr.Await(t)
		if frame["type"] != "data" || frame["id"] != "f1" {
			t.Fatalf("got type=%v id=%v want data/f1", frame["type"], frame["id"])
		}
		data := framePayload(t, frame)["data"].(map[string]any)
		if data["seq"] != float64(want) {
			t.Fatalf("got seq=%v want %d", data["seq"], want)
		}
	}
	waitFor(t, "subscription cleanup", func() bool { return h.conn.SubscriptionCount() == 0 })
}

func TestDispatcherStopCancelsDeliveryAndCompletes(t *testing.T) {
	testlog.Start(t)
	h := startLoop(t, Config{}, DispatcherOptions{})
	src := fake.NewPush(4)
	h.exec.ScriptResult("subscription { live }", executor.Stream(src))

	h.tr.Push(`{"type":"start","id":"9","payload":{"query":"subscription { live }"}}`)
	src.Push(map[string]any{"data": map[string]any{"seq": 1}})
	if frame := h.tr.Await(t); frame["type"] != "data" {
		t.Fatalf("got %v want data", frame["type"])
	}

	h.tr.Push(`{"type":"stop","id":"9"}`)
	frame := h.tr.Await(t)
	if frame["type"] != "complete" || frame["id"] != "9" {
		t.Fatalf("got type=%v id=%v want complete/9", frame["type"], frame["id"])
	}
	if got := h.conn.SubscriptionCount(); got != 0 {
		t.Fatalf("got %d subscriptions want 0", got)
	}

	// Post-stop pushes are dropped by the closed source; nothing may
	// reach the wire.
	src.Push(map[string]any{"data": map[string]any{"seq": 2}})
	if frame, ok := h.tr.TryAwait(80 * time.Millisecond); ok {
		t.Fatalf("frame %v delivered after stop", frame)
	}

	// Stop is answered unconditionally, live id or not.
	h.tr.Push(`{"type":"stop","id":"9"}`)
	if frame := h.tr.Await(t); frame["type"] != "complete" {
		t.Fatalf("got %v want complete on second stop", frame["type"])
	}
}

func TestDispatcherDuplicateStartAnswersErrorWithoutExecuting(t *testing.T) {
	testlog.Start(t)
	h := startLoop(t, Config{}, DispatcherOptions{})
	src := fake.NewPush(4)
	h.exec.ScriptResult("subscription { live }", executor.Stream(src))

	h.tr.Push(`{"type":"start","id":"7","payload":{"query":"subscription { live }"}}`)
	h.tr.Push(`{"type":"start","id":"7","payload":{"query":"subscription { live }"}}`)
	frame := h.tr.Await(t)
	if frame["type"] != "error" || frame["id"] != "7" {
		t.Fatalf("got type=%v id=%v want error/7", frame["type"], frame["id"])
	}
	if got := len(h.exec.Calls()); got != 1 {
		t.Fatalf("executor ran %d times want 1", got)
	}

	// The original subscription is untouched.
	src.Push(map[string]any{"data": map[string]any{"ok": true}})
	if frame := h.tr.Await(t); frame["type"] != "data" || frame["id"] != "7" {
		t.Fatalf("got type=%v id=%v want data/7", frame["type"], frame["id"])
	}
}

func TestDispatcherSourceFailureKeepsConnectionAlive(t *testing.T) {
	testlog.Start(t)
	h := startLoop(t, Config{}, DispatcherOptions{})
	src := fake.NewPush(4)
	h.exec.ScriptResult("subscription { flaky }", executor.Stream(src))

	h.tr.Push(`{"type":"start","id":"3","payload":{"query":"subscription { flaky }"}}`)
	src.Push(map[string]any{"data": map[string]any{"ok": true}})
	if frame := h.tr.Await(t); frame["type"] != "data" {
		t.Fatalf("got %v want data", frame["type"])
	}

	src.Fail(errors.New("upstream gone"))
	frame := h.tr.Await(t)
	if frame["type"] != "error" || frame["id"] != "3" {
		t.Fatalf("got type=%v id=%v want error/3", frame["type"], frame["id"])
	}
	if got := framePayload(t, frame)["error"]; got != "upstream gone" {
		t.Fatalf("got error %v want upstream gone", got)
	}
	waitFor(t, "subscription cleanup", func() bool { return h.conn.SubscriptionCount() == 0 })

	// The connection keeps serving operations.
	h.tr.Push(`{"type":"start","id":"4","payload":{"query":"{ ping }"}}`)
	if frame := h.tr.Await(t); frame["type"] != "data" || frame["id"] != "4" {
		t.Fatalf("got type=%v id=%v want data/4", frame["type"], frame["id"])
	}
}

func TestDispatcherTerminateCancelsAllSubscriptions(t *testing.T) {
	testlog.Start(t)
	h := startLoop(t, Config{}, DispatcherOptions{})
	for _, q := range []string{"subscription { a }", "subscription { b }", "subscription { c }"} {
		h.exec.ScriptResult(q, executor.Stream(fake.NewPush(1)))
	}

	h.tr.Push(`{"type":"start","id":"a","payload":{"query":"subscription { a }"}}`)
	h.tr.Push(`{"type":"start","id":"b","payload":{"query":"subscription { b }"}}`)
	h.tr.Push(`{"type":"start","id":"c","payload":{"query":"subscription { c }"}}`)
	waitFor(t, "three live subscriptions", func() bool { return h.conn.SubscriptionCount() == 3 })

	h.tr.Push(`{"type":"connection_terminate"}`)
	if err := h.wait(t); err != nil {
		t.Fatalf("run: %v", err)
	}
	if h.conn.State() != StateClosed {
		t.Fatalf("got state %v want closed", h.conn.State())
	}
	if got := h.conn.SubscriptionCount(); got != 0 {
		t.Fatalf("got %d subscriptions want 0", got)
	}
}

func TestDispatcherExecuteFailureTearsDownConnection(t *testing.T) {
	testlog.Start(t)
	h := startLoop(t, Config{}, DispatcherOptions{})
	h.exec.ScriptExecuteError("{ boom }", errors.New("collaborator down"))

	h.tr.Push(`{"type":"start","id":"1","payload":{"query":"{ boom }"}}`)
	err := h.wait(t)
	if err == nil {
		t.Fatalf("expected run to fail")
	}
	if h.conn.State() != StateClosed {
		t.Fatalf("got state %v want closed", h.conn.State())
	}
	if h.reg.removeCount() == 0 {
		t.Fatalf("connection was not deregistered")
	}
}

func TestDispatcherAnswersParseErrorsAndContinues(t *testing.T) {
	testlog.Start(t)
	h := startLoop(t, Config{}, DispatcherOptions{})

	h.tr.Push(`{nope`)
	frame := h.tr.Await(t)
	if frame["type"] != "error" || frame["id"] != "" {
		t.Fatalf("got type=%v id=%v want error with empty id", frame["type"], frame["id"])
	}
	if got := framePayload(t, frame)["error"]; got == "" {
		t.Fatalf("expected an error message")
	}

	// A start missing its payload answers without an id.
	h.tr.Push(`{"type":"start","id":"5"}`)
	if frame := h.tr.Await(t); frame["type"] != "error" || frame["id"] != "" {
		t.Fatalf("got type=%v id=%v want error with empty id", frame["type"], frame["id"])
	}

	// Start with a payload that fails resolution keeps its id.
	h.tr.Push(`{"type":"start","id":"5","payload":{}}`)
	if frame := h.tr.Await(t); frame["type"] != "error" || frame["id"] != "5" {
		t.Fatalf("got type=%v id=%v want error/5", frame["type"], frame["id"])
	}

	// The loop is still alive.
	h.tr.Push(`{"type":"connection_init"}`)
	if frame := h.tr.Await(t); frame["type"] != "connection_ack" {
		t.Fatalf("got %v want connection_ack", frame["type"])
	}
}

func TestDispatcherStopForUnknownIDStillCompletes(t *testing.T) {
	testlog.Start(t)
	h := startLoop(t, Config{}, DispatcherOptions{})
	h.tr.Push(`{"type":"stop","id":"42"}`)
	frame := h.tr.Await(t)
	if frame["type"] != "complete" || frame["id"] != "42" {
		t.Fatalf("got type=%v id=%v want complete/42", frame["type"], frame["id"])
	}
}

func TestDispatcherRecordsTranscript(t *testing.T) {
	testlog.Start(t)
	rec, err := transcript.Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("open transcript: %v", err)
	}
	defer rec.Close()

	h := startLoop(t, Config{}, DispatcherOptions{Recorder: rec})
	src := fake.NewPush(1)
	h.exec.ScriptResult("subscription { live }", executor.Stream(src))

	h.tr.Push(`{"type":"start","id":"1","payload":{"query":"subscription { live }"}}`)
	h.tr.Push(`{"type":"stop","id":"1"}`)
	if frame := h.tr.Await(t); frame["type"] != "complete" {
		t.Fatalf("got %v want complete", frame["type"])
	}

	events, err := rec.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	kinds := make(map[string]bool, len(events))
	for _, ev := range events {
		kinds[ev.Kind] = true
	}
	if !kinds[transcript.KindOpStarted] || !kinds[transcript.KindOpStopped] {
		t.Fatalf("got kinds %v want op_started and op_stopped", kinds)
	}
}
