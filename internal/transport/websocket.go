package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Subprotocol is the websocket subprotocol negotiated for this wire.
const Subprotocol = "graphql-ws"

// Options tunes one websocket transport. Zero values disable the write
// deadline and the read limit.
type Options struct {
	WriteTimeout     time.Duration
	ReadLimit        int64
	HandshakeTimeout time.Duration
	// TLSConfig applies to wss dials only.
	TLSConfig *tls.Config
}

// WebSocket adapts one gorilla connection to the Transport contract.
type WebSocket struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	closed       atomic.Bool
}

func NewWebSocket(conn *websocket.Conn, opts Options) *WebSocket {
	if opts.ReadLimit > 0 {
		conn.SetReadLimit(opts.ReadLimit)
	}
	return &WebSocket{conn: conn, writeTimeout: opts.WriteTimeout}
}

// Dial connects to a websocket endpoint speaking the protocol subprotocol.
func Dial(ctx context.Context, url string, header http.Header, opts Options) (*WebSocket, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.HandshakeTimeout,
		Subprotocols:     []string{Subprotocol},
		TLSClientConfig:  opts.TLSConfig,
	}
	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}
	return NewWebSocket(conn, opts), nil
}

func (t *WebSocket) Send(ctx context.Context, frame []byte) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline := time.Time{}
	if t.writeTimeout > 0 {
		deadline = time.Now().Add(t.writeTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	_ = t.conn.SetWriteDeadline(deadline)
	if err := t.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		if t.closed.Load() || errors.Is(err, net.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("transport: send: %w", err)
	}
	return nil
}

func (t *WebSocket) Receive(ctx context.Context) ([]byte, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		if t.closed.Load() || errors.Is(err, net.ErrClosed) {
			return nil, ErrClosed
		}
		// A peer that vanished without a close frame still counts as a
		// closed transport, not a fault worth surfacing.
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrClosed
		}
		if websocket.IsCloseError(err,
			websocket.CloseNormalClosure,
			websocket.CloseGoingAway,
			websocket.CloseNoStatusReceived,
			websocket.CloseAbnormalClosure,
		) {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("transport: receive: %w", err)
	}
	return data, nil
}

func (t *WebSocket) State() State {
	if t.closed.Load() {
		return StateClosed
	}
	return StateOpen
}

// Close sends a close frame best-effort and releases the connection.
// Safe to call more than once; concurrent Receive unblocks with ErrClosed.
func (t *WebSocket) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return t.conn.Close()
}
