package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/pulsectl/internal/executor"
	"github.com/danmuck/pulsectl/internal/observability"
	"github.com/danmuck/pulsectl/internal/protocol"
	"github.com/danmuck/pulsectl/internal/transport"
)

// ErrDuplicateSubscription reports a Start id that is already live on
// the connection. The registry never silently overwrites an entry.
var ErrDuplicateSubscription = errors.New("session: duplicate subscription id")

// State tracks connection lifecycle.
type State int32

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Subscription is the cancellable delivery handle for one streaming
// operation id.
type Subscription struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
	finish sync.Once
}

// ID returns the operation id the handle delivers for.
func (s *Subscription) ID() string { return s.id }

// Finish marks delivery as over. The pump owning the subscription must
// call it on exit; Cancel blocks until it has.
func (s *Subscription) Finish() {
	s.finish.Do(func() { close(s.done) })
}

// Cancel stops delivery and waits for the pump to exit. No Data frame
// for this id is written after Cancel returns.
func (s *Subscription) Cancel() {
	s.cancel()
	<-s.done
}

// Conn binds one transport to protocol state: typed sends, typed
// receives, and the subscription registry for this peer.
type Conn struct {
	id       string
	tr       transport.Transport
	planner  executor.Planner
	cfg      Config
	openedAt time.Time

	state atomic.Int32

	sendMu sync.Mutex

	regMu sync.Mutex
	subs  map[string]*Subscription
}

// NewConn wraps tr as a protocol connection. id must be unique
// process-wide; the hub keys on it.
func NewConn(id string, tr transport.Transport, planner executor.Planner, cfg Config) *Conn {
	c := &Conn{
		id:       id,
		tr:       tr,
		planner:  planner,
		cfg:      cfg,
		openedAt: time.Now(),
		subs:     make(map[string]*Subscription),
	}
	c.state.Store(int32(StateOpen))
	return c
}

func (c *Conn) ID() string          { return c.id }
func (c *Conn) OpenedAt() time.Time { return c.openedAt }

// State reports the connection lifecycle phase.
func (c *Conn) State() State { return State(c.state.Load()) }

// Send encodes msg and writes it as one frame. Concurrent callers are
// serialized so frame bytes never interleave on the wire.
func (c *Conn) Send(ctx context.Context, msg protocol.ServerMessage) error {
	frame, err := protocol.EncodeServer(msg)
	if err != nil {
		return err
	}
	if c.cfg.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.WriteTimeout)
		defer cancel()
	}
	c.sendMu.Lock()
	err = c.tr.Send(ctx, frame)
	c.sendMu.Unlock()
	if err != nil {
		return fmt.Errorf("session: send %s on %s: %w", protocol.ServerWireType(msg), c.id, err)
	}
	observability.RecordServerMessage(protocol.ServerWireType(msg))
	return nil
}

// Receive blocks for the next inbound frame and decodes it. A blank or
// whitespace-only frame returns (nil, nil) so callers keep looping. A
// closed transport surfaces transport.ErrClosed.
func (c *Conn) Receive(ctx context.Context) (protocol.ClientMessage, error) {
	raw, err := c.tr.Receive(ctx)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(string(raw)) == "" {
		return nil, nil
	}
	msg := protocol.DecodeClient(ctx, raw, c.planner)
	if _, ok := msg.(protocol.ParseError); ok {
		observability.RecordParseError()
	}
	observability.RecordClientMessage(protocol.ClientWireType(msg))
	return msg, nil
}

// Subscribe registers id and returns the new handle plus the context
// its pump must honor, derived from ctx.
func (c *Conn) Subscribe(ctx context.Context, id string) (*Subscription, context.Context, error) {
	pumpCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{id: id, cancel: cancel, done: make(chan struct{})}
	c.regMu.Lock()
	if _, exists := c.subs[id]; exists {
		c.regMu.Unlock()
		cancel()
		return nil, nil, fmt.Errorf("%w: %q", ErrDuplicateSubscription, id)
	}
	c.subs[id] = sub
	c.regMu.Unlock()
	observability.RecordSubscriptionStarted()
	return sub, pumpCtx, nil
}

// Unsubscribe cancels id's delivery and waits until its pump has
// exited, so no send for id can race past the call. Unknown ids are a
// no-op.
func (c *Conn) Unsubscribe(id string) {
	c.regMu.Lock()
	sub, ok := c.subs[id]
	if ok {
		delete(c.subs, id)
	}
	c.regMu.Unlock()
	if !ok {
		return
	}
	sub.Cancel()
	observability.RecordSubscriptionEnded()
}

// forget drops id's registry entry without cancelling. Pumps call it on
// their own exit, where waiting on themselves would deadlock. The entry
// is removed only while it still maps to sub, so a concurrent Stop that
// already replaced or removed it is left alone.
func (c *Conn) forget(id string, sub *Subscription) {
	c.regMu.Lock()
	cur, ok := c.subs[id]
	removed := ok && cur == sub
	if removed {
		delete(c.subs, id)
	}
	c.regMu.Unlock()
	if removed {
		observability.RecordSubscriptionEnded()
	}
}

// UnsubscribeAll cancels every live subscription and waits for their
// pumps. Used during teardown.
func (c *Conn) UnsubscribeAll() {
	c.regMu.Lock()
	subs := make([]*Subscription, 0, len(c.subs))
	for id, sub := range c.subs {
		subs = append(subs, sub)
		delete(c.subs, id)
	}
	c.regMu.Unlock()
	for _, sub := range subs {
		sub.Cancel()
		observability.RecordSubscriptionEnded()
	}
}

// HasSubscription reports whether id is live.
func (c *Conn) HasSubscription(id string) bool {
	c.regMu.Lock()
	_, ok := c.subs[id]
	c.regMu.Unlock()
	return ok
}

// SubscriptionCount returns the number of live subscriptions.
func (c *Conn) SubscriptionCount() int {
	c.regMu.Lock()
	n := len(c.subs)
	c.regMu.Unlock()
	return n
}

// SubscriptionIDs returns the live operation ids, sorted.
func (c *Conn) SubscriptionIDs() []string {
	c.regMu.Lock()
	ids := make([]string, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	c.regMu.Unlock()
	sort.Strings(ids)
	return ids
}

// Close tears the connection down: the transport first, so blocked
// reads and writes fail fast, then every subscription. Idempotent.
func (c *Conn) Close() error {
	if !c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
		return nil
	}
	err := c.tr.Close()
	c.UnsubscribeAll()
	c.state.Store(int32(StateClosed))
	return err
}
