package server

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/danmuck/pulsectl/internal/auth"
	"github.com/danmuck/pulsectl/internal/executor"
	"github.com/danmuck/pulsectl/internal/hub"
	"github.com/danmuck/pulsectl/internal/logging"
	"github.com/danmuck/pulsectl/internal/node"
	"github.com/danmuck/pulsectl/internal/observability"
	"github.com/danmuck/pulsectl/internal/session"
	"github.com/danmuck/pulsectl/internal/transcript"
	"github.com/danmuck/pulsectl/internal/transport"
)

// Version reported on the health surface.
const Version = "0.1.0"

// Pulse gateway configuration for one serving node.
type ServiceConfig struct {
	NodeID       string
	ListenAddr   string
	GraphQLPath  string
	CORSOrigins  []string
	AuthToken    string
	TranscriptDB string
	TLSCertFile  string
	TLSKeyFile   string
	Session      session.Config
}

// Pulse gateway defaults for one serving node.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		NodeID:      "pulse.local",
		ListenAddr:  ":8080",
		GraphQLPath: "/graphql",
		Session:     session.DefaultConfig(),
	}
}

// Pulse gateway service owning the websocket endpoint, the connection
// hub, and the HTTP admin surface.
type Service struct {
	cfg  ServiceConfig
	exec executor.Executor
	hub  *hub.Hub

	root  any
	authn auth.Validator
	rec   *transcript.Recorder

	router   *gin.Engine
	upgrader websocket.Upgrader
	started  time.Time

	clientCount atomic.Int64
}

var _ node.Node = (*Service)(nil)

// Pulse gateway constructor. exec must be non-nil; zero config fields
// fall back to defaults. A transcript store that fails to open logs a
// warning and leaves recording off rather than failing the node.
func NewService(cfg ServiceConfig, exec executor.Executor) *Service {
	def := DefaultServiceConfig()
	if strings.TrimSpace(cfg.NodeID) == "" {
		cfg.NodeID = def.NodeID
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = def.ListenAddr
	}
	if strings.TrimSpace(cfg.GraphQLPath) == "" {
		cfg.GraphQLPath = def.GraphQLPath
	}
	cfg.Session = cfg.Session.WithDefaults()

	svc := &Service{
		cfg:     cfg,
		exec:    exec,
		hub:     hub.New(),
		started: time.Now(),
	}
	if token := strings.TrimSpace(cfg.AuthToken); token != "" {
		svc.authn = auth.StaticToken{Token: token}
	}
	if path := strings.TrimSpace(cfg.TranscriptDB); path != "" {
		rec, err := transcript.Open(path)
		if err != nil {
			logging.Warnf("server.NewService transcript disabled path=%q err=%v", path, err)
		} else {
			svc.rec = rec
		}
	}
	svc.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		Subprotocols:    []string{transport.Subprotocol},
		CheckOrigin:     svc.originAllowed,
	}
	svc.router = svc.buildRouter()
	return svc
}

// SetRoot installs the root value handed to the executor for every
// operation on every connection. Call before serving.
func (s *Service) SetRoot(root any) {
	s.root = root
}

func (s *Service) NodeID() string { return s.cfg.NodeID }

func (s *Service) Kind() string { return "gateway" }

func (s *Service) HTTPRouter() *gin.Engine { return s.router }

// Hub exposes the live connection registry.
func (s *Service) Hub() *hub.Hub { return s.hub }

// Pulse runtime entrypoint that blocks until signal shutdown.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.Serve(ctx)
}

// Serve owns the listener until ctx cancels or serving fails. Live
// peers are force-closed on the way out so hijacked sockets cannot
// outlive the node.
func (s *Service) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: s.router,
	}
	serveErr := make(chan error, 1)
	go func() {
		if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
			serveErr <- srv.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
			return
		}
		serveErr <- srv.ListenAndServe()
	}()
	logging.Infof("server.Serve listening node=%s addr=%q path=%q", s.cfg.NodeID, s.cfg.ListenAddr, s.cfg.GraphQLPath)

	select {
	case err := <-serveErr:
		s.Close()
		return err
	case <-ctx.Done():
	}

	s.hub.CloseAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Warnf("server.Serve shutdown err=%v", err)
	}
	err := <-serveErr
	s.Close()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Close force-closes every live connection and releases the transcript
// store. Serve calls it on the way out; embedders that mount
// HTTPRouter themselves call it when done.
func (s *Service) Close() {
	s.hub.CloseAll()
	if err := s.rec.Close(); err != nil {
		logging.Warnf("server.Close transcript err=%v", err)
	}
}

// Pulse websocket endpoint handler. Each upgraded peer gets a
// dispatcher that owns the socket until the session ends.
func (s *Service) handleSubscribe(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warnf("server.handleSubscribe upgrade remote=%q err=%v", c.ClientIP(), err)
		return
	}

	id := uuid.NewString()
	tr := transport.NewWebSocket(ws, transport.Options{
		WriteTimeout: s.cfg.Session.WriteTimeout,
		ReadLimit:    s.cfg.Session.ReadLimit,
	})
	conn := session.NewConn(id, tr, s.exec, s.cfg.Session)
	s.hub.Add(conn)
	observability.RecordConnectionOpened()

	remote := c.ClientIP()
	active := s.clientCount.Add(1)
	logging.Infof("server.session client connected conn=%s remote=%q active_clients=%d", id, remote, active)
	s.rec.Record(c.Request.Context(), transcript.Event{
		Conn:   id,
		Kind:   transcript.KindConnOpened,
		Detail: remote,
	})

	d := session.NewDispatcher(conn, s.hub, s.exec, session.DispatcherOptions{
		Root:     s.root,
		Auth:     s.authn,
		Recorder: s.rec,
	})
	runCtx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	if err := d.Run(runCtx); err != nil {
		logging.Errf("server.session conn=%s err=%v", id, err)
	}

	remaining := s.clientCount.Add(-1)
	logging.Infof("server.session client disconnected conn=%s remote=%q active_clients=%d", id, remote, remaining)
	s.rec.Record(context.Background(), transcript.Event{
		Conn:   id,
		Kind:   transcript.KindConnClosed,
		Detail: remote,
	})
	observability.RecordConnectionClosed()
}
