// Package transport exposes the chat endpoint, metrics and health over HTTP.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sheshant/sigiq/internal/config"
	"github.com/sheshant/sigiq/internal/metrics"
	"github.com/sheshant/sigiq/internal/registry"
	"github.com/sheshant/sigiq/internal/session"
)

// HeartbeatStatus reports whether the heartbeat loop is running.
type HeartbeatStatus interface {
	Running() bool
}

// Options wires the server to the shared services.
type Options struct {
	Config     config.Config
	Logger     *zap.Logger
	Handler    *session.Handler
	Aggregator *metrics.Aggregator
	Metrics    *metrics.Registry
	Registry   *registry.Registry
	Heartbeat  HeartbeatStatus
}

// Server accepts WebSocket connections with gobwas/ws behind a chi router.
type Server struct {
	cfg        config.Config
	logger     *zap.Logger
	handler    *session.Handler
	aggregator *metrics.Aggregator
	metrics    *metrics.Registry
	registry   *registry.Registry
	heartbeat  HeartbeatStatus
	limiter    *rate.Limiter
	proc       *process.Process

	httpServer *http.Server
	listener   net.Listener
	serveErr   chan error

	// admitMu orders admission against Stop so no connection is added to wg
	// after Stop starts waiting.
	admitMu      sync.Mutex
	shuttingDown atomic.Bool
	wg           sync.WaitGroup
	conns        sync.Map // *endpoint -> struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:        opts.Config,
		logger:     logger.With(zap.String("component", "transport")),
		handler:    opts.Handler,
		aggregator: opts.Aggregator,
		metrics:    opts.Metrics,
		registry:   opts.Registry,
		heartbeat:  opts.Heartbeat,
		serveErr:   make(chan error, 1),
		ctx:        ctx,
		cancel:     cancel,
	}
	if r := opts.Config.WebSocket.AcceptRate; r > 0 {
		burst := opts.Config.WebSocket.AcceptBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(r), burst)
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		s.proc = proc
	} else {
		s.logger.Warn("process stats unavailable", zap.Error(err))
	}
	return s
}

// Router builds the HTTP routes. Each path is served with and without its
// trailing slash.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	if s.cfg.Metrics.Enabled && s.metrics != nil {
		h := s.metrics.Handler()
		for _, p := range pathVariants(s.cfg.Metrics.Endpoint) {
			r.Handle(p, h)
		}
	}

	chat := r.With(AllowEmptyOrigin(s.cfg.Server.AllowedOrigins))
	for _, p := range pathVariants(s.cfg.WebSocket.Path) {
		chat.Get(p, s.handleWebSocket)
	}
	return r
}

// Start listens on the configured address and serves in the background.
// Serve failures are reported on Errors.
func (s *Server) Start() error {
	if s.listener != nil {
		return errors.New("transport already started")
	}

	addr := s.cfg.Server.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: s.cfg.Server.ReadTimeout,
		IdleTimeout:       s.cfg.Server.IdleTimeout,
		ErrorLog:          zap.NewStdLog(s.logger),
	}
	s.logger.Info("transport listening", zap.String("addr", ln.Addr().String()))

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.serveErr <- err
		}
	}()
	return nil
}

// Addr is the bound listen address, nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) Errors() <-chan error {
	return s.serveErr
}

// Stop refuses new connections, closes the listener and ends every remaining
// connection. Connections still running when ctx expires are dropped without
// a close handshake.
func (s *Server) Stop(ctx context.Context) error {
	s.admitMu.Lock()
	s.shuttingDown.Store(true)
	s.admitMu.Unlock()

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		forced := 0
		s.conns.Range(func(key, _ any) bool {
			key.(*endpoint).forceClose()
			forced++
			return true
		})
		s.logger.Warn("forcing remaining connections closed", zap.Int("connections", forced))
		<-done
	}
	return err
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !isUpgrade(r) {
		http.Error(w, "WebSocket upgrade required", http.StatusUpgradeRequired)
		return
	}

	s.admitMu.Lock()
	if s.shuttingDown.Load() {
		s.admitMu.Unlock()
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	if s.limiter != nil && !s.limiter.Allow() {
		s.admitMu.Unlock()
		s.logger.Warn("connection rejected: rate limit exceeded", zap.String("remote_addr", r.RemoteAddr))
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}
	s.wg.Add(1)
	s.admitMu.Unlock()
	defer s.wg.Done()

	ep := &endpoint{
		w:              w,
		r:              r,
		maxMessageSize: s.cfg.WebSocket.MaxMessageSize,
		writeTimeout:   s.cfg.WebSocket.WriteTimeout,
		onAccept: func(e *endpoint) {
			s.conns.Store(e, struct{}{})
		},
	}
	defer s.conns.Delete(ep)

	conn := s.handler.NewConn(ep, r.URL.Query().Get(session.QueryParam))
	// Failures are counted and logged by the connection itself.
	_ = conn.Serve(s.ctx)
}

type healthResponse struct {
	Status            string `json:"status"`
	Timestamp         string `json:"timestamp"`
	ActiveConnections int64  `json:"active_connections"`
	Sessions          int    `json:"sessions"`
	HeartbeatRunning  bool   `json:"heartbeat_running"`
	ShuttingDown      bool   `json:"shutting_down"`
	RSSBytes          uint64 `json:"rss_bytes,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:       "healthy",
		Timestamp:    time.Now().UTC().Format(time.RFC3339Nano),
		ShuttingDown: s.shuttingDown.Load(),
	}
	if s.aggregator != nil {
		resp.ActiveConnections = s.aggregator.Snapshot().ActiveConnections
	}
	if s.registry != nil {
		resp.Sessions = s.registry.Len()
	}
	if s.heartbeat != nil {
		resp.HeartbeatRunning = s.heartbeat.Running()
	}
	if s.proc != nil {
		if mem, err := s.proc.MemoryInfo(); err == nil {
			resp.RSSBytes = mem.RSS
		}
	}

	status := http.StatusOK
	if resp.ShuttingDown {
		resp.Status = "shutting_down"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func pathVariants(p string) []string {
	if p == "" {
		return nil
	}
	trimmed := strings.TrimSuffix(p, "/")
	if trimmed == "" || trimmed == p {
		return []string{p}
	}
	return []string{p, trimmed}
}
