// Package server exposes speculo over HTTP. It serves:
//
//   - GET /ws     : one voice session per WebSocket connection
//   - GET /healthz: liveness
//   - GET /readyz : readiness (knowledge index reachability, draining)
//   - GET /metrics: Prometheus scrape endpoint
//   - GET /       : optional static files (e.g. a browser microphone client)
//
// Every route runs behind [observe.Middleware].
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/speculo/internal/config"
	"github.com/MrWong99/speculo/internal/health"
	"github.com/MrWong99/speculo/internal/observe"
	"github.com/MrWong99/speculo/internal/session"
)

// DefaultReadLimit is the largest inbound WebSocket message accepted.
const DefaultReadLimit = 1 << 20

// Sessions runs one voice session per connection. [session.Manager]
// implements it.
type Sessions interface {
	Serve(ctx context.Context, conn session.Conn) error
}

// Server is the speculo HTTP front end.
type Server struct {
	cfg       config.ServerConfig
	sessions  Sessions
	health    *health.Handler
	metrics   *observe.Metrics
	log       *slog.Logger
	readLimit int64
	handler   http.Handler

	httpSrv *http.Server
}

// Option configures a [Server].
type Option func(*Server)

// WithCheckers registers readiness checks served on /readyz.
func WithCheckers(checkers ...health.Checker) Option {
	return func(s *Server) { s.health = health.New(checkers...) }
}

// WithMetrics sets the metrics recorded by the HTTP middleware.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithReadLimit bounds the size of one inbound audio message.
func WithReadLimit(n int64) Option {
	return func(s *Server) { s.readLimit = n }
}

// New returns a Server routing WebSocket sessions to sessions.
func New(cfg config.ServerConfig, sessions Sessions, opts ...Option) *Server {
	s := &Server{
		cfg:       cfg,
		sessions:  sessions,
		readLimit: DefaultReadLimit,
	}
	for _, o := range opts {
		o(s)
	}
	if s.health == nil {
		s.health = health.New()
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.log == nil {
		s.log = slog.Default()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	s.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	if cfg.StaticDir != "" {
		mux.Handle("GET /", http.FileServer(http.Dir(cfg.StaticDir)))
	}
	s.handler = observe.Middleware(s.metrics)(mux)
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.handler }

// ListenAndServe serves on cfg.ListenAddr until ctx is cancelled or the
// listener fails. Cancelling ctx does not end running sessions; call
// [Server.Shutdown] for that.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is [Server.ListenAndServe] on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpSrv = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := s.cfg.TLS; tls != nil {
			err = s.httpSrv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = s.httpSrv.Serve(ln)
		}
		errCh <- err
	}()
	s.log.Info("http server listening", "addr", ln.Addr().String(), "tls", s.cfg.TLS != nil)

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Drain makes /readyz report draining so load balancers stop sending new
// sessions.
func (s *Server) Drain() {
	s.health.SetDraining(true)
}

// Shutdown drains and stops the HTTP server. WebSocket connections are
// hijacked, so running sessions must be ended separately.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Drain()
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowedOrigins,
	})
	if err != nil {
		s.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	c.SetReadLimit(s.readLimit)

	err = s.sessions.Serve(r.Context(), &wsConn{c: c})
	switch {
	case err == nil:
		_ = c.Close(websocket.StatusNormalClosure, "session ended")
	case errors.Is(err, session.ErrShuttingDown), errors.Is(err, context.Canceled):
		_ = c.Close(websocket.StatusGoingAway, "server shutting down")
	default:
		observe.Logger(r.Context()).Warn("session ended with error", "remote", r.RemoteAddr, "err", err)
		_ = c.Close(websocket.StatusInternalError, "session error")
	}
}
