// probectl drives one subscription against a pulse gateway and prints
// every payload it delivers. It speaks the wire the way any foreign
// client does, so it doubles as a smoke probe for deployed nodes.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/danmuck/pulsectl/internal/config"
	"github.com/danmuck/pulsectl/internal/logging"
	"github.com/danmuck/pulsectl/internal/protocol"
	"github.com/danmuck/pulsectl/internal/transport"
)

// probeOptions are the run parameters resolved from file and flags.
type probeOptions struct {
	URL       string
	Query     string
	Variables map[string]any
	ID        string
	Token     string
	Count     int
	Timeout   time.Duration
	CAFile    string
	Attempts  int
}

func main() {
	logging.ConfigureRuntime()
	opts, err := parseOptions(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "probectl: %v\n", err)
		os.Exit(2)
	}
	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "probectl: %v\n", err)
		os.Exit(1)
	}
}

func parseOptions(args []string) (probeOptions, error) {
	fs := flag.NewFlagSet("probectl", flag.ContinueOnError)
	configPath := fs.String("config", "", "probe config TOML (flags override file values)")
	url := fs.String("url", "ws://localhost:8080/graphql", "websocket endpoint")
	query := fs.String("query", "", "operation text to start")
	variables := fs.String("variables", "", "operation variables as inline JSON")
	id := fs.String("id", "1", "operation id")
	token := fs.String("token", "", "connection auth token")
	count := fs.Int("count", 0, "stop after N payloads (0 runs until interrupted)")
	timeout := fs.Duration("timeout", 0, "whole-run deadline (0 disables)")
	caFile := fs.String("ca", "", "CA bundle for wss endpoints")
	attempts := fs.Int("attempts", 3, "dial attempts before giving up")
	if err := fs.Parse(args); err != nil {
		return probeOptions{}, err
	}

	opts := probeOptions{
		URL:      *url,
		Query:    *query,
		ID:       *id,
		Token:    *token,
		Count:    *count,
		Timeout:  *timeout,
		CAFile:   *caFile,
		Attempts: *attempts,
	}
	if *variables != "" {
		var vars map[string]any
		if err := json.Unmarshal([]byte(*variables), &vars); err != nil {
			return probeOptions{}, fmt.Errorf("parse variables: %w", err)
		}
		opts.Variables = vars
	}
	if *configPath != "" {
		fileCfg, err := config.LoadProbeConfig(*configPath)
		if err != nil {
			return probeOptions{}, err
		}
		opts = overlayFileConfig(opts, fileCfg, setFlags(fs))
	}

	if strings.TrimSpace(opts.Query) == "" {
		return probeOptions{}, errors.New("query is required (-query or config file)")
	}
	if opts.Attempts < 1 {
		opts.Attempts = 1
	}
	if opts.Count < 0 {
		return probeOptions{}, errors.New("count must not be negative")
	}
	return opts, nil
}

func setFlags(fs *flag.FlagSet) map[string]bool {
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return set
}

// overlayFileConfig fills every option the caller did not pin with a
// flag from the config file.
func overlayFileConfig(opts probeOptions, cfg config.ProbeConfig, set map[string]bool) probeOptions {
	if !set["url"] {
		opts.URL = cfg.URL
	}
	if !set["query"] {
		opts.Query = cfg.Query
	}
	if !set["variables"] && len(cfg.Variables) > 0 {
		opts.Variables = cfg.Variables
	}
	if !set["id"] {
		opts.ID = cfg.ID
	}
	if !set["token"] {
		opts.Token = cfg.Token
	}
	if !set["count"] {
		opts.Count = cfg.Count
	}
	if !set["attempts"] {
		opts.Attempts = cfg.Attempts
	}
	if !set["ca"] {
		opts.CAFile = cfg.CAFile
	}
	if !set["timeout"] && strings.TrimSpace(cfg.Timeout) != "" {
		// Validated by LoadProbeConfig already.
		if d, err := time.ParseDuration(strings.TrimSpace(cfg.Timeout)); err == nil {
			opts.Timeout = d
		}
	}
	return opts
}

func run(opts probeOptions) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	tlsCfg, err := tlsConfigFor(opts)
	if err != nil {
		return err
	}
	tr, err := dialWithRetry(ctx, opts, tlsCfg)
	if err != nil {
		return err
	}
	defer tr.Close()
	// Receive blocks on the socket, not on ctx; closing the transport
	// is what unblocks it on signal or deadline.
	go func() {
		<-ctx.Done()
		_ = tr.Close()
	}()

	if err := handshake(ctx, tr, opts.Token); err != nil {
		return err
	}
	logging.Infof("probectl connected url=%q id=%q", opts.URL, opts.ID)

	payload, err := json.Marshal(startPayload{Query: opts.Query, Variables: opts.Variables})
	if err != nil {
		return fmt.Errorf("encode start payload: %w", err)
	}
	if err := sendFrame(ctx, tr, clientFrame{Type: protocol.TypeStart, ID: opts.ID, Payload: payload}); err != nil {
		return err
	}

	return watch(ctx, tr, opts)
}

func tlsConfigFor(opts probeOptions) (*tls.Config, error) {
	if !strings.HasPrefix(opts.URL, "wss://") || opts.CAFile == "" {
		return nil, nil
	}
	pem, err := os.ReadFile(opts.CAFile)
	if err != nil {
		return nil, fmt.Errorf("read ca bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates in %s", opts.CAFile)
	}
	return &tls.Config{RootCAs: pool}, nil
}

func dialWithRetry(ctx context.Context, opts probeOptions, tlsCfg *tls.Config) (*transport.WebSocket, error) {
	backoff := transport.DefaultDialBackoff()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var attempt int
	for {
		attempt++
		tr, err := transport.Dial(ctx, opts.URL, nil, transport.Options{
			WriteTimeout:     10 * time.Second,
			HandshakeTimeout: 10 * time.Second,
			TLSConfig:        tlsCfg,
		})
		if err == nil {
			return tr, nil
		}
		logging.Warnf("probectl dial attempt=%d url=%q err=%v", attempt, opts.URL, err)
		if attempt >= opts.Attempts {
			return nil, err
		}
		delay := transport.NextBackoffDelay(backoff, attempt, rng)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// handshake sends connection_init and waits for the ack.
func handshake(ctx context.Context, tr *transport.WebSocket, token string) error {
	init := clientFrame{Type: protocol.TypeConnectionInit}
	if token != "" {
		payload, err := json.Marshal(map[string]string{"authToken": token})
		if err != nil {
			return fmt.Errorf("encode init payload: %w", err)
		}
		init.Payload = payload
	}
	if err := sendFrame(ctx, tr, init); err != nil {
		return err
	}
	for {
		frame, err := nextFrame(ctx, tr)
		if err != nil {
			return fmt.Errorf("await ack: %w", err)
		}
		switch frame.Type {
		case protocol.TypeKeepAlive:
			continue
		case protocol.TypeConnectionAck:
			return nil
		case protocol.TypeConnectionError:
			return fmt.Errorf("connection rejected: %s", payloadError(frame.Payload))
		default:
			return fmt.Errorf("unexpected %s frame before ack", frame.Type)
		}
	}
}

// watch prints delivered payloads until the operation completes, the
// requested count is reached, or the run is interrupted.
func watch(ctx context.Context, tr *transport.WebSocket, opts probeOptions) error {
	delivered := 0
	for {
		frame, err := nextFrame(ctx, tr)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) {
				if ctx.Err() != nil {
					logging.Infof("probectl interrupted delivered=%d", delivered)
					return nil
				}
				return fmt.Errorf("connection closed by peer after %d payloads", delivered)
			}
			return err
		}
		switch frame.Type {
		case protocol.TypeKeepAlive:
			continue
		case protocol.TypeData:
			if frame.ID != opts.ID {
				logging.Debugf("probectl ignoring data for id=%q", frame.ID)
				continue
			}
			fmt.Printf("%s\n", frame.Payload)
			delivered++
			if opts.Count > 0 && delivered >= opts.Count {
				logging.Infof("probectl done delivered=%d", delivered)
				return finish(tr, opts.ID)
			}
		case protocol.TypeError:
			if frame.ID != opts.ID {
				continue
			}
			return fmt.Errorf("operation failed: %s", payloadError(frame.Payload))
		case protocol.TypeComplete:
			if frame.ID != opts.ID {
				continue
			}
			logging.Infof("probectl complete delivered=%d", delivered)
			return terminate(tr)
		case protocol.TypeConnectionError:
			return fmt.Errorf("connection error: %s", payloadError(frame.Payload))
		default:
			logging.Debugf("probectl ignoring %s frame", frame.Type)
		}
	}
}

// finish stops the operation, drains until its complete, and ends the
// connection.
func finish(tr *transport.WebSocket, id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sendFrame(ctx, tr, clientFrame{Type: protocol.TypeStop, ID: id}); err != nil {
		return err
	}
	for {
		frame, err := nextFrame(ctx, tr)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) {
				return nil
			}
			return fmt.Errorf("await complete: %w", err)
		}
		if frame.Type == protocol.TypeComplete && frame.ID == id {
			return terminate(tr)
		}
	}
}

func terminate(tr *transport.WebSocket) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = sendFrame(ctx, tr, clientFrame{Type: protocol.TypeConnectionTerminate})
	return tr.Close()
}

// clientFrame is a wire frame as the gateway expects it from clients.
type clientFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type startPayload struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

// serverFrame covers every field a gateway frame can carry.
type serverFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

func sendFrame(ctx context.Context, tr *transport.WebSocket, frame clientFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", frame.Type, err)
	}
	return tr.Send(ctx, data)
}

func nextFrame(ctx context.Context, tr *transport.WebSocket) (serverFrame, error) {
	data, err := tr.Receive(ctx)
	if err != nil {
		return serverFrame{}, err
	}
	var frame serverFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return serverFrame{}, fmt.Errorf("malformed server frame %q: %w", data, err)
	}
	return frame, nil
}

func payloadError(payload json.RawMessage) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(payload, &body); err == nil && body.Error != "" {
		return body.Error
	}
	return string(payload)
}
