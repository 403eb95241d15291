// Package webserver hosts the HTTP API and the WebSocket live-stream bridge
// for agent sessions. It is the transport collaborator of the orchestrator:
// REST for lifecycle and history, WebSocket for live events in and terminal
// input out.
package webserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/agentdeck/agentdeck/internal/metrics"
	"github.com/agentdeck/agentdeck/internal/orchestrator"
)

// Options configures server behavior.
type Options struct {
	Host      string
	Port      int
	AuthToken string
	// ProjectsRoot restricts session working directories; empty disables
	// the check.
	ProjectsRoot string
	// Metrics enables the /metrics endpoint.
	Metrics bool
}

// Server bridges HTTP/WebSocket clients to the orchestrator.
type Server struct {
	orch         *orchestrator.Orchestrator
	log          *slog.Logger
	httpServer   *http.Server
	host         string
	port         int
	authToken    string
	projectsRoot string
}

// New constructs the server.
func New(orch *orchestrator.Orchestrator, log *slog.Logger, opts Options) *Server {
	host := strings.TrimSpace(opts.Host)
	if host == "" {
		host = "127.0.0.1"
	}
	port := opts.Port
	if port <= 0 {
		port = 8080
	}
	if log == nil {
		log = slog.Default()
	}

	srv := &Server{
		orch:         orch,
		log:          log.With("component", "webserver"),
		host:         host,
		port:         port,
		authToken:    strings.TrimSpace(opts.AuthToken),
		projectsRoot: strings.TrimSpace(opts.ProjectsRoot),
	}

	mux := http.NewServeMux()
	srv.setupRoutes(mux, opts.Metrics)

	handler := corsMiddleware(logMiddleware(srv.log, authMiddleware(srv.authToken, mux)))
	srv.httpServer = &http.Server{
		Addr:              srv.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv
}

func (srv *Server) setupRoutes(mux *http.ServeMux, withMetrics bool) {
	mux.HandleFunc("POST /api/sessions", srv.handleStartSession)
	mux.HandleFunc("GET /api/sessions", srv.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}", srv.handleGetSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", srv.handleDeleteSession)
	mux.HandleFunc("GET /api/sessions/{id}/events", srv.handleReadEvents)
	mux.HandleFunc("POST /api/sessions/{id}/input", srv.handleSendInput)
	mux.HandleFunc("POST /api/sessions/{id}/stop", srv.handleStopSession)
	mux.HandleFunc("GET /api/sessions/{id}/ws", srv.handleSessionWebSocket)
	if withMetrics {
		mux.Handle("GET /metrics", metrics.Handler())
	}
}

// Addr returns the listen address.
func (srv *Server) Addr() string {
	return net.JoinHostPort(srv.host, fmt.Sprintf("%d", srv.port))
}

// Start begins serving in a background goroutine and returns immediately.
func (srv *Server) Start() error {
	ln, err := net.Listen("tcp", srv.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", srv.Addr(), err)
	}
	srv.log.Info("listening", "addr", ln.Addr().String())
	go func() {
		if err := srv.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.log.Error("serve failed", "error", err)
		}
	}()
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
func (srv *Server) Shutdown(ctx context.Context) error {
	return srv.httpServer.Shutdown(ctx)
}

// Handler exposes the full middleware-wrapped handler, used by tests.
func (srv *Server) Handler() http.Handler {
	return srv.httpServer.Handler
}
