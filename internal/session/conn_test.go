package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/pulsectl/internal/executor/fake"
	"github.com/danmuck/pulsectl/internal/protocol"
	"github.com/danmuck/pulsectl/internal/testutil/loopback"
	"github.com/danmuck/pulsectl/internal/testutil/testlog"
	"github.com/danmuck/pulsectl/internal/transport"
)

func newTestConn(t *testing.T) (*loopback.Transport, *Conn) {
	t.Helper()
	tr := loopback.New()
	return tr, NewConn("c1", tr, fake.New(), Config{WriteTimeout: time.Second})
}

func TestConnSendSerializesConcurrentWriters(t *testing.T) {
	testlog.Start(t)
	tr, conn := newTestConn(t)
	const writers = 4
	const perWriter = 8

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				payload := map[string]any{"writer": w, "seq": i}
				if err := conn.Send(context.Background(), protocol.Data{ID: fmt.Sprintf("w%d", w), Payload: payload}); err != nil {
					t.Errorf("send: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	// Await fails on frames that do not parse, so interleaved writes
	// would surface here.
	for i := 0; i < writers*perWriter; i++ {
		frame := tr.Await(t)
		if frame["type"] != "data" {
			t.Fatalf("frame %d: got type %v want data", i, frame["type"])
		}
	}
	if _, ok := tr.TryAwait(50 * time.Millisecond); ok {
		t.Fatalf("unexpected extra frame")
	}
}

func TestConnReceiveSkipsIdleFrames(t *testing.T) {
	testlog.Start(t)
	tr, conn := newTestConn(t)
	tr.Push("")
	tr.Push("   \n\t")
	tr.Push(`{"type":"connection_init"}`)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		msg, err := conn.Receive(ctx)
		if err != nil {
			t.Fatalf("receive %d: %v", i, err)
		}
		if msg != nil {
			t.Fatalf("receive %d: got %T want nil for idle frame", i, msg)
		}
	}
	msg, err := conn.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if _, ok := msg.(protocol.ConnectionInit); !ok {
		t.Fatalf("got %T want ConnectionInit", msg)
	}
}

func TestConnSubscribeRejectsDuplicateID(t *testing.T) {
	testlog.Start(t)
	_, conn := newTestConn(t)
	sub, _, err := conn.Subscribe(context.Background(), "op")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, _, err := conn.Subscribe(context.Background(), "op"); !errors.Is(err, ErrDuplicateSubscription) {
		t.Fatalf("got %v want ErrDuplicateSubscription", err)
	}
	sub.Finish()
	conn.Unsubscribe("op")
	if conn.HasSubscription("op") {
		t.Fatalf("subscription survived unsubscribe")
	}
}

func TestConnUnsubscribeWaitsForPumpExit(t *testing.T) {
	testlog.Start(t)
	tr, conn := newTestConn(t)
	sub, pumpCtx, err := conn.Subscribe(context.Background(), "op")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	var exited atomic.Bool
	go func() {
		defer sub.Finish()
		for {
			select {
			case <-pumpCtx.Done():
				// Linger so a premature Unsubscribe return is visible.
				time.Sleep(20 * time.Millisecond)
				exited.Store(true)
				return
			default:
			}
			_ = conn.Send(pumpCtx, protocol.Data{ID: "op", Payload: "tick"})
			time.Sleep(time.Millisecond)
		}
	}()

	time.Sleep(10 * time.Millisecond)
	conn.Unsubscribe("op")
	if !exited.Load() {
		t.Fatalf("unsubscribe returned before pump exit")
	}
	for {
		if _, ok := tr.TryAwait(30 * time.Millisecond); !ok {
			break
		}
	}
	if _, ok := tr.TryAwait(50 * time.Millisecond); ok {
		t.Fatalf("frame delivered after unsubscribe returned")
	}
}

func TestConnUnsubscribeUnknownIsNoOp(t *testing.T) {
	testlog.Start(t)
	_, conn := newTestConn(t)
	conn.Unsubscribe("missing")
	if got := conn.SubscriptionCount(); got != 0 {
		t.Fatalf("got %d subscriptions want 0", got)
	}
}

func TestConnUnsubscribeAllCancelsEveryPump(t *testing.T) {
	testlog.Start(t)
	_, conn := newTestConn(t)
	const n = 4

	var exited atomic.Int32
	for i := 0; i < n; i++ {
		sub, pumpCtx, err := conn.Subscribe(context.Background(), fmt.Sprintf("op-%d", i))
		if err != nil {
			t.Fatalf("subscribe %d: %v", i, err)
		}
		go func(sub *Subscription) {
			defer sub.Finish()
			<-pumpCtx.Done()
			exited.Add(1)
		}(sub)
	}
	if got := conn.SubscriptionCount(); got != n {
		t.Fatalf("got %d subscriptions want %d", got, n)
	}

	conn.UnsubscribeAll()
	if got := exited.Load(); got != n {
		t.Fatalf("got %d pump exits want %d", got, n)
	}
	if got := conn.SubscriptionCount(); got != 0 {
		t.Fatalf("got %d subscriptions want 0", got)
	}
}

func TestConnCloseTearsDownOnce(t *testing.T) {
	testlog.Start(t)
	_, conn := newTestConn(t)
	sub, pumpCtx, err := conn.Subscribe(context.Background(), "op")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	go func() {
		defer sub.Finish()
		<-pumpCtx.Done()
	}()

	if err := conn.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if conn.State() != StateClosed {
		t.Fatalf("got state %v want closed", conn.State())
	}
	if got := conn.SubscriptionCount(); got != 0 {
		t.Fatalf("got %d subscriptions want 0", got)
	}
	if err := conn.Send(context.Background(), protocol.KeepAlive{}); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("send after close: got %v want ErrClosed", err)
	}
	if _, err := conn.Receive(context.Background()); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("receive after close: got %v want ErrClosed", err)
	}
}

func TestConnSubscriptionIDsSorted(t *testing.T) {
	testlog.Start(t)
	_, conn := newTestConn(t)
	for _, id := range []string{"b", "c", "a"} {
		sub, _, err := conn.Subscribe(context.Background(), id)
		if err != nil {
			t.Fatalf("subscribe %s: %v", id, err)
		}
		sub.Finish()
	}
	got := conn.SubscriptionIDs()
	want := []string{"a", "b", "c"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	if !conn.HasSubscription("b") {
		t.Fatalf("expected b to be live")
	}
	conn.UnsubscribeAll()
}
