// Package server assembles the core components (PortAllocator,
// EnvBuilder, ProcessSupervisor, Gateway, SessionRegistry, EventBus)
// behind the minimal HTTP surface described in this module's host
// frontend design, and owns the process's HTTP listener lifecycle.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/tscodex/mcp-manager-app/internal/config"
	"github.com/tscodex/mcp-manager-app/internal/envbuilder"
	"github.com/tscodex/mcp-manager-app/internal/eventbus"
	"github.com/tscodex/mcp-manager-app/internal/gateway"
	"github.com/tscodex/mcp-manager-app/internal/model"
	"github.com/tscodex/mcp-manager-app/internal/ports"
	"github.com/tscodex/mcp-manager-app/internal/sessionregistry"
	"github.com/tscodex/mcp-manager-app/internal/store"
	"github.com/tscodex/mcp-manager-app/internal/supervisor"
)

// Server is the HostFrontend, component G.
type Server struct {
	config *config.Config

	httpServer *http.Server

	store      *store.SQLiteStore
	workspaces store.WorkspaceStore
	servers    store.ServerStore

	bus      *eventbus.Bus
	sup      *supervisor.Supervisor
	gw       *gateway.Gateway
	sessions *sessionregistry.Registry

	done chan struct{}
}

// New wires every core component from cfg and builds the HTTP server.
// It does not start listening; call Start for that.
func New(cfg *config.Config) (*Server, error) {
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	servers := db.AsServerStore()
	workspaces := db.AsWorkspaceStore()

	bus := eventbus.New()
	portAlloc := ports.New(cfg.PortRangeStart, cfg.PortRangeEnd)
	env := envbuilder.New(os.Environ(), db, db)

	sup := supervisor.New(portAlloc, env, bus, servers, nil, supervisor.Tunables{
		HealthTimeout:  cfg.HealthCheckTimeout,
		HealthInterval: cfg.HealthCheckInterval,
		HealthAttempts: cfg.HealthCheckAttempts,
		StopTimeout:    cfg.StopTimeout,
		RestartBudget:  cfg.RestartBudget,
		RestartWindow:  cfg.RestartWindow,
	})

	gw := gateway.New(sup, servers, workspaces, cfg.GatewayLazyStart, cfg.GatewayDeadline)

	s := &Server{
		config:     cfg,
		store:      db,
		workspaces: workspaces,
		servers:    servers,
		bus:        bus,
		sup:        sup,
		gw:         gw,
		done:       make(chan struct{}),
	}

	s.sessions = sessionregistry.New(bus, cfg.SessionExpiry, cfg.SessionSweepInterval, s.onWorkspaceEmptied)

	mux := http.NewServeMux()
	s.setupRoutes(mux)

	// WriteTimeout is intentionally left at 0 because the /events
	// WebSocket is long-lived. Go's http.Server.WriteTimeout sets a
	// deadline on the underlying net.Conn BEFORE the handler runs,
	// which would kill a hijacked WebSocket connection after the
	// timeout period.
	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:     corsMiddleware(mux, cfg.AllowedOrigins),
		ReadTimeout: cfg.HTTPReadTimeout,
		IdleTimeout: cfg.HTTPIdleTimeout,
	}

	return s, nil
}

// onWorkspaceEmptied implements the auto-cleanup rule in §4.6: once a
// workspace with autoCleanup=true loses its last session, every
// instance routed to it is stopped and the workspace record removed.
func (s *Server) onWorkspaceEmptied(workspaceID string) {
	ws, err := s.workspaces.Get(workspaceID)
	if err != nil || ws == nil || !ws.AutoCleanup {
		return
	}

	for _, inst := range s.sup.All() {
		if inst.WorkspaceID != workspaceID {
			continue
		}
		if err := s.sup.Stop(inst.ServerID, workspaceID); err != nil {
			slog.Warn("auto-cleanup: failed to stop instance", "serverId", inst.ServerID, "workspaceId", workspaceID, "error", err)
		}
	}

	if err := s.workspaces.Delete(workspaceID); err != nil {
		slog.Warn("auto-cleanup: failed to delete workspace", "workspaceId", workspaceID, "error", err)
		return
	}
	s.bus.EmitApp(eventbus.AppEvent{Type: eventbus.WorkspaceDeleted, WorkspaceID: workspaceID, Reason: "auto-cleanup"})
}

// Start starts the HTTP server. It blocks until the listener stops.
func (s *Server) Start() error {
	slog.Info("starting host frontend", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Stop gracefully shuts down the HTTP server and every owned
// subsystem: the session sweeper, every supervised child process, and
// the store connection.
func (s *Server) Stop(ctx context.Context) error {
	close(s.done)

	s.sessions.Stop()

	for key, err := range s.sup.StopAll() {
		if err != nil && model.AsError(err).Kind != model.KindNotFound {
			slog.Warn("failed to stop instance during shutdown", "key", key, "error", err)
		}
	}

	if err := s.store.Close(); err != nil {
		slog.Warn("failed to close store", "error", err)
	}

	return s.httpServer.Shutdown(ctx)
}

// setupRoutes registers the HTTP surface named in this module's
// external-interfaces design.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /api/instances/start", s.handleInstanceStart)
	mux.HandleFunc("POST /api/instances/stop", s.handleInstanceStop)
	mux.HandleFunc("POST /api/instances/restart", s.handleInstanceRestart)
	mux.HandleFunc("POST /api/instances/restart-all", s.handleInstanceRestartAll)
	mux.HandleFunc("GET /api/instances/{serverId}/{workspaceId}", s.handleInstanceGet)

	mux.HandleFunc("POST /api/sessions/connect", s.handleSessionConnect)
	mux.HandleFunc("POST /api/sessions/ping", s.handleSessionPing)
	mux.HandleFunc("POST /api/sessions/disconnect", s.handleSessionDisconnect)

	mux.HandleFunc("GET /mcp/{serverId}/{workspaceId}/health", s.handleMCPStatus)
	mux.HandleFunc("/mcp/{serverId}/{workspaceId}/", s.gw.ServeMCP)

	mux.HandleFunc("GET /events", s.handleEvents)
}

// handleHealth is the host process's own liveness probe — distinct
// from /mcp/{serverId}/{workspaceId}/health, which reports on a child.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "healthy",
		"uptimeAt": nowUTC().Format(time.RFC3339),
	})
}

// corsMiddleware adds CORS headers, including wildcard-subdomain
// origin patterns ("https://*.example.com"), and short-circuits
// preflight OPTIONS requests.
func corsMiddleware(next http.Handler, allowedOrigins []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && originAllowed(origin, allowedOrigins) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func originAllowed(origin string, allowedOrigins []string) bool {
	for _, allowed := range allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
		if strings.Contains(allowed, "*") && matchWildcardOrigin(origin, allowed) {
			return true
		}
	}
	return false
}

// matchWildcardOrigin checks a pattern like "https://*.example.com"
// against an Origin header value.
func matchWildcardOrigin(origin, pattern string) bool {
	parts := strings.SplitN(pattern, "*", 2)
	if len(parts) != 2 {
		return false
	}
	prefix, suffix := parts[0], parts[1]
	if !strings.HasPrefix(origin, prefix) || !strings.HasSuffix(origin, suffix) {
		return false
	}
	middle := origin[len(prefix) : len(origin)-len(suffix)]
	return !strings.Contains(middle, "/")
}

func nowUTC() time.Time { return time.Now().UTC() }

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	tagged := model.AsError(err)
	writeJSON(w, tagged.Kind.HTTPStatus(), map[string]string{
		"error": tagged.Message,
		"kind":  string(tagged.Kind),
	})
}
