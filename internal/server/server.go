// Package server exposes the chat API, the admin surface, and mounts the
// tool bridge. Shutdown is graceful: new requests are refused, in-flight
// chats are aborted cooperatively, and pending usage rows are given time to
// flush before the store closes.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nexushq/relay/internal/auth"
	"github.com/nexushq/relay/internal/hygiene"
	"github.com/nexushq/relay/internal/observability"
	"github.com/nexushq/relay/internal/orchestrator"
	"github.com/nexushq/relay/internal/provider"
	"github.com/nexushq/relay/internal/store"
)

// Config bounds the HTTP server.
type Config struct {
	Host        string
	Port        int
	MetricsPort int

	// AgentSoulPath is where the editable agent soul markdown lives.
	AgentSoulPath string

	// HealthTimeout bounds provider probes on the health endpoints.
	HealthTimeout time.Duration

	// ShutdownGrace bounds the drain on SIGINT/SIGTERM.
	ShutdownGrace time.Duration
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.AgentSoulPath == "" {
		c.AgentSoulPath = "agent-soul.md"
	}
	if c.HealthTimeout == 0 {
		c.HealthTimeout = 10 * time.Second
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = 15 * time.Second
	}
}

// Server is the composed HTTP surface.
type Server struct {
	cfg     Config
	orch    *orchestrator.Orchestrator
	gateway *provider.Gateway
	store   store.Store
	hygiene *hygiene.Service
	auth    *auth.Service
	logger  *observability.Logger
	metrics *observability.Metrics
	soul    *soulFile
	bridge  http.Handler

	httpSrv    *http.Server
	metricsSrv *http.Server
}

// New assembles the server. bridge may be nil when the tool bridge is
// disabled; hygieneSvc may be nil.
func New(cfg Config, orch *orchestrator.Orchestrator, gw *provider.Gateway, st store.Store, hygieneSvc *hygiene.Service, authSvc *auth.Service, bridge http.Handler, logger *observability.Logger, metrics *observability.Metrics) *Server {
	cfg.applyDefaults()
	return &Server{
		cfg:     cfg,
		orch:    orch,
		gateway: gw,
		store:   st,
		hygiene: hygieneSvc,
		auth:    authSvc,
		logger:  logger,
		metrics: metrics,
		soul:    newSoulFile(cfg.AgentSoulPath),
		bridge:  bridge,
	}
}

// Routes builds the full mux, bridge included.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("POST /abort", s.handleAbort)
	mux.HandleFunc("GET /conversations", s.handleConversations)
	mux.HandleFunc("GET /conversations/{id}", s.handleConversation)
	mux.HandleFunc("GET /health", s.handleHealth)

	adminErr := func(w http.ResponseWriter, r *http.Request, err error) {
		s.writeError(w, err)
	}
	mux.HandleFunc("GET /admin/health", s.auth.RequireAdmin(s.handleHealth, adminErr))
	mux.HandleFunc("GET /admin/usage", s.auth.RequireAdmin(s.handleUsage, adminErr))
	mux.HandleFunc("GET /admin/persona-decisions", s.auth.RequireAdmin(s.handlePersonaDecisions, adminErr))
	mux.HandleFunc("POST /admin/hygiene", s.auth.RequireAdmin(s.handleHygiene, adminErr))
	mux.HandleFunc("GET /admin/agent-soul", s.auth.RequireAdmin(s.handleSoulGet, adminErr))
	mux.HandleFunc("PUT /admin/agent-soul", s.auth.RequireAdmin(s.handleSoulPut, adminErr))

	if s.bridge != nil {
		mux.Handle("/openclaw/", s.bridge)
	}
	return mux
}

// ListenAndServe starts the API and metrics listeners and blocks until ctx
// is cancelled, then drains gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		s.logger.Info(ctx, "api listening", "addr", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	if s.cfg.MetricsPort > 0 {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		s.metricsSrv = &http.Server{
			Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.MetricsPort),
			Handler:           metricsMux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := s.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.shutdown()
	}
}

// shutdown stops accepting requests, aborts in-flight chats, and waits out
// the grace window so usage accounting can flush.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
	defer cancel()

	s.logger.Info(ctx, "shutting down", "active_requests", len(s.orch.ActiveRequests()))
	s.orch.Shutdown()

	var firstErr error
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		firstErr = err
	}
	if s.metricsSrv != nil {
		if err := s.metricsSrv.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
