package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/danmuck/pulsectl/internal/auth"
	"github.com/danmuck/pulsectl/internal/executor"
	"github.com/danmuck/pulsectl/internal/logging"
	"github.com/danmuck/pulsectl/internal/observability"
	"github.com/danmuck/pulsectl/internal/protocol"
	"github.com/danmuck/pulsectl/internal/transcript"
	"github.com/danmuck/pulsectl/internal/transport"
)

// Registry is the process-wide connection index a dispatcher reports
// to. Implemented by hub.Hub.
type Registry interface {
	// Remove drops and closes the identified connection. Safe for ids
	// already gone.
	Remove(id string)
	// SendTo delivers msg on c if its state is still open, tearing the
	// connection down on transport failure without blocking the caller.
	SendTo(ctx context.Context, c *Conn, msg protocol.ServerMessage) error
}

// DispatcherOptions carries the optional collaborators a receive loop
// uses beyond its connection.
type DispatcherOptions struct {
	// Root is handed to the executor as the root value for every
	// operation on the connection.
	Root any
	// Auth validates connection_init payload tokens. Nil accepts all
	// peers.
	Auth auth.Validator
	// Recorder persists lifecycle events. Nil disables recording.
	Recorder *transcript.Recorder
}

// Dispatcher drives one connection's receive loop: it decodes client
// traffic, consults the executor, and routes results back out through
// the serialized send path.
type Dispatcher struct {
	conn  *Conn
	reg   Registry
	exec  executor.Executor
	root  any
	authn auth.Validator
	rec   *transcript.Recorder

	kaStarted bool
}

// NewDispatcher wires a receive loop for conn. reg and exec are
// required; opts may be the zero value.
func NewDispatcher(conn *Conn, reg Registry, exec executor.Executor, opts DispatcherOptions) *Dispatcher {
	return &Dispatcher{
		conn:  conn,
		reg:   reg,
		exec:  exec,
		root:  opts.Root,
		authn: opts.Auth,
		rec:   opts.Recorder,
	}
}

// Run owns conn until the peer disconnects or a fatal fault occurs,
// and always deregisters the connection on exit. A nil return means
// the session ended through the protocol (terminate frame or transport
// close); a non-nil return reports the fault that killed it.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer d.reg.Remove(d.conn.ID())
	for {
		msg, err := d.conn.Receive(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) {
				logging.Debugf("session.run conn=%s transport closed", d.conn.ID())
				return nil
			}
			observability.RecordTransportFault()
			return fmt.Errorf("session: receive on %s: %w", d.conn.ID(), err)
		}
		if msg == nil {
			continue
		}
		switch m := msg.(type) {
		case protocol.ConnectionInit:
			if err := d.handleInit(ctx, m); err != nil {
				return err
			}
		case protocol.ConnectionTerminate:
			logging.Debugf("session.run conn=%s terminated by peer", d.conn.ID())
			return nil
		case protocol.Start:
			if err := d.handleStart(ctx, m); err != nil {
				return err
			}
		case protocol.Stop:
			if err := d.handleStop(ctx, m); err != nil {
				return err
			}
		case protocol.ParseError:
			logging.Warnf("session.run conn=%s id=%q unparseable frame: %s", d.conn.ID(), m.ID, m.Message)
			if err := d.conn.Send(ctx, protocol.OperationError{ID: m.ID, Message: m.Message}); err != nil {
				return err
			}
		default:
			return fmt.Errorf("session: unhandled client message %T on %s", msg, d.conn.ID())
		}
	}
}

func (d *Dispatcher) handleInit(ctx context.Context, m protocol.ConnectionInit) error {
	if d.authn != nil {
		if err := d.authn.Validate(auth.TokenFromPayload(m.Payload)); err != nil {
			logging.Warnf("session.init conn=%s rejected: %v", d.conn.ID(), err)
			d.rec.Record(ctx, transcript.Event{Conn: d.conn.ID(), Kind: transcript.KindInitRejected, Detail: err.Error()})
			if serr := d.conn.Send(ctx, protocol.ConnectionError{Message: "authentication failed"}); serr != nil {
				return serr
			}
			// The loop discovers the closed transport on its next
			// receive and exits cleanly.
			_ = d.conn.Close()
			return nil
		}
	}
	if err := d.conn.Send(ctx, protocol.ConnectionAck{}); err != nil {
		return err
	}
	if itv := d.conn.cfg.KeepAliveInterval; itv > 0 && !d.kaStarted {
		d.kaStarted = true
		go d.keepAlive(ctx, itv)
	}
	logging.Debugf("session.init conn=%s acked", d.conn.ID())
	return nil
}

func (d *Dispatcher) handleStart(ctx context.Context, m protocol.Start) error {
	if d.conn.HasSubscription(m.ID) {
		logging.Warnf("session.start conn=%s id=%s duplicate operation id", d.conn.ID(), m.ID)
		return d.conn.Send(ctx, protocol.OperationError{ID: m.ID, Message: fmt.Sprintf("operation %q already active", m.ID)})
	}
	res, err := d.exec.Execute(ctx, m.Request.Plan, d.root, m.Request.Variables)
	if err != nil {
		d.rec.Record(ctx, transcript.Event{Conn: d.conn.ID(), Op: m.ID, Kind: transcript.KindOpFailed, Detail: err.Error()})
		return fmt.Errorf("session: execute %s on %s: %w", m.ID, d.conn.ID(), err)
	}
	d.rec.Record(ctx, transcript.Event{Conn: d.conn.ID(), Op: m.ID, Kind: transcript.KindOpStarted, Detail: res.Kind.String()})
	switch res.Kind {
	case executor.KindDirect:
		return d.conn.Send(ctx, protocol.Data{ID: m.ID, Payload: res.Data})
	case executor.KindDeferred:
		if err := d.conn.Send(ctx, protocol.Data{ID: m.ID, Payload: res.Data}); err != nil {
			_ = res.Source.Close()
			return err
		}
		return d.startSubscription(ctx, m.ID, res.Source)
	case executor.KindStream:
		return d.startSubscription(ctx, m.ID, res.Source)
	default:
		_ = res.Source.Close()
		return fmt.Errorf("session: unknown result kind %v for %s on %s", res.Kind, m.ID, d.conn.ID())
	}
}

func (d *Dispatcher) startSubscription(ctx context.Context, id string, src executor.Source) error {
	sub, pumpCtx, err := d.conn.Subscribe(ctx, id)
	if err != nil {
		_ = src.Close()
		if errors.Is(err, ErrDuplicateSubscription) {
			return d.conn.Send(ctx, protocol.OperationError{ID: id, Message: fmt.Sprintf("operation %q already active", id)})
		}
		return err
	}
	go d.pump(pumpCtx, id, sub, src)
	return nil
}

// pump delivers src's values for id until the source ends, delivery
// fails, or the subscription is cancelled. Finish releases anyone
// waiting in Cancel, so it must be the last deferred step.
func (d *Dispatcher) pump(ctx context.Context, id string, sub *Subscription, src executor.Source) {
	defer sub.Finish()
	defer d.conn.forget(id, sub)
	defer src.Close()
	for {
		v, err := src.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				logging.Debugf("session.pump conn=%s id=%s source complete", d.conn.ID(), id)
				return
			}
			if ctx.Err() != nil {
				return
			}
			logging.Warnf("session.pump conn=%s id=%s source failed: %v", d.conn.ID(), id, err)
			d.rec.Record(context.Background(), transcript.Event{Conn: d.conn.ID(), Op: id, Kind: transcript.KindOpFailed, Detail: err.Error()})
			_ = d.reg.SendTo(ctx, d.conn, protocol.OperationError{ID: id, Message: err.Error()})
			return
		}
		if err := d.reg.SendTo(ctx, d.conn, protocol.Data{ID: id, Payload: v}); err != nil {
			return
		}
	}
}

func (d *Dispatcher) handleStop(ctx context.Context, m protocol.Stop) error {
	d.conn.Unsubscribe(m.ID)
	d.rec.Record(ctx, transcript.Event{Conn: d.conn.ID(), Op: m.ID, Kind: transcript.KindOpStopped})
	// Complete is sent whether or not the id was live; a second Stop
	// for the same id answers the same way.
	return d.conn.Send(ctx, protocol.Complete{ID: m.ID})
}

// keepAlive emits ka frames until the connection dies or ctx ends. One
// frame goes out immediately so freshly-acked peers see liveness
// before the first interval elapses.
func (d *Dispatcher) keepAlive(ctx context.Context, interval time.Duration) {
	if err := d.reg.SendTo(ctx, d.conn, protocol.KeepAlive{}); err != nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.reg.SendTo(ctx, d.conn, protocol.KeepAlive{}); err != nil {
				return
			}
		}
	}
}
