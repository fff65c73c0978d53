// Package server is the thin HTTP/SSE surface over the board core: agent
// lifecycle, live event streams, metrics and telemetry export. The core
// packages never import it.
package server

import (
	"context"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/obadiaha/veritas-kanban/internal/agent"
	"github.com/obadiaha/veritas-kanban/internal/metrics"
	"github.com/obadiaha/veritas-kanban/internal/session"
	"github.com/obadiaha/veritas-kanban/internal/telemetry"
)

// Config holds server configuration.
type Config struct {
	Addr string // listen address, e.g. ":8787"
}

// Deps are the wired core components.
type Deps struct {
	Supervisor *agent.Supervisor
	Gateway    *session.Gateway
	Metrics    *metrics.Aggregator
	Telemetry  *telemetry.Store
	Logger     *log.Logger
}

// Server is the HTTP server for the task board core.
type Server struct {
	config  Config
	deps    Deps
	httpSrv *http.Server
	logger  *log.Logger
}

// New creates a Server.
func New(cfg Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[veritas-server] ", log.LstdFlags)
	}
	s := &Server{config: cfg, deps: deps, logger: logger}

	mux := http.NewServeMux()

	// Go 1.22+ method+pattern routing.
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /tasks/{id}/agent", s.handleStartAgent)
	mux.HandleFunc("DELETE /tasks/{id}/agent", s.handleStopAgent)
	mux.HandleFunc("GET /tasks/{id}/agent", s.handleAgentStatus)
	mux.HandleFunc("POST /tasks/{id}/agent/message", s.handleSendMessage)
	mux.HandleFunc("GET /tasks/{id}/agent/events", s.handleAgentEvents)
	mux.HandleFunc("GET /tasks/{id}/agent/attempts", s.handleListAttempts)
	mux.HandleFunc("GET /tasks/{id}/agent/log/{attemptId}", s.handleAttemptLog)
	mux.HandleFunc("GET /metrics/{kind}", s.handleMetrics)
	mux.HandleFunc("GET /telemetry/export", s.handleTelemetryExport)

	s.httpSrv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      csrfProtect(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE requires no write timeout
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return context.Background() },
	}
	return s
}

// ListenAndServe starts the server and blocks until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Printf("listening on %s", s.config.Addr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains open HTTP connections.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// csrfProtect rejects cross-origin state-changing requests. Browsers set the
// Origin header on cross-origin requests, so checking it blocks CSRF from
// malicious web pages while allowing CLI/programmatic callers (which either
// omit Origin or set it to match the server).
func csrfProtect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodDelete {
			origin := r.Header.Get("Origin")
			if origin != "" {
				u, err := url.Parse(origin)
				if err != nil {
					http.Error(w, `{"error":"invalid Origin header"}`, http.StatusForbidden)
					return
				}
				// Allow only localhost-family origins.
				host := u.Hostname()
				if host != "localhost" && host != "127.0.0.1" && host != "::1" {
					http.Error(w, `{"error":"cross-origin request blocked"}`, http.StatusForbidden)
					return
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}
