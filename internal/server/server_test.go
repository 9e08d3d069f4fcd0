package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/tscodex/mcp-manager-app/internal/config"
	"github.com/tscodex/mcp-manager-app/internal/model"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{
		Port:                 0,
		Host:                 "127.0.0.1",
		AllowedOrigins:       []string{"https://*.example.com", "https://exact.test"},
		DBPath:               filepath.Join(t.TempDir(), "test.db"),
		PortRangeStart:       4100,
		PortRangeEnd:         4199,
		HealthCheckTimeout:   50 * time.Millisecond,
		HealthCheckInterval:  10 * time.Millisecond,
		HealthCheckAttempts:  2,
		StopTimeout:          50 * time.Millisecond,
		RestartBudget:        3,
		RestartWindow:        time.Minute,
		SessionExpiry:        time.Hour,
		SessionSweepInterval: time.Hour,
		GatewayLazyStart:     true,
		GatewayDeadline:      time.Second,
		HTTPReadTimeout:      5 * time.Second,
		HTTPIdleTimeout:      5 * time.Second,
		WSReadBufferSize:     1024,
		WSWriteBufferSize:    1024,
	}
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { srv.store.Close() })
	return srv
}

func jsonReader(b []byte) io.Reader {
	if b == nil {
		return http.NoBody
	}
	return bytes.NewReader(b)
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var bodyBytes []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		bodyBytes = b
	}

	req := httptest.NewRequest(method, path, jsonReader(bodyBytes))
	rec := httptest.NewRecorder()

	mux := http.NewServeMux()
	srv.setupRoutes(mux)
	mux.ServeHTTP(rec, req)
	return rec
}

func TestHandleHealthReturnsOK(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHandleInstanceGetUnknownReturnsStoppedStatus(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/api/instances/missing/global", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["status"] != "stopped" || out["instance"] != nil {
		t.Fatalf("unexpected body: %v", out)
	}
}

func TestHandleMCPStatusUnknownInstance(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/mcp/missing/global/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["status"] != string(model.StatusStopped) {
		t.Fatalf("expected stopped, got %v", out["status"])
	}
}

func TestHandleInstanceStartUnknownServerReturnsNotFound(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/api/instances/start", instanceRequest{ServerID: "missing"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestSessionConnectIsIdempotentForSameClientInstance(t *testing.T) {
	srv := newTestServer(t)
	if err := srv.store.PutTemplate(&model.ServerTemplate{ID: "echo"}); err != nil {
		t.Fatalf("seed template: %v", err)
	}

	req := sessionConnectRequest{WorkspaceID: model.GlobalWorkspaceID, ClientType: "cli", ClientInstanceID: "c1"}
	rec1 := doJSON(t, srv, http.MethodPost, "/api/sessions/connect", req)
	rec2 := doJSON(t, srv, http.MethodPost, "/api/sessions/connect", req)

	var s1, s2 model.Session
	if err := json.Unmarshal(rec1.Body.Bytes(), &s1); err != nil {
		t.Fatalf("unmarshal s1: %v", err)
	}
	if err := json.Unmarshal(rec2.Body.Bytes(), &s2); err != nil {
		t.Fatalf("unmarshal s2: %v", err)
	}
	if s1.SessionID != s2.SessionID {
		t.Fatalf("expected same session id, got %q and %q", s1.SessionID, s2.SessionID)
	}
	if s1.Endpoints["echo"] != fmt.Sprintf("/mcp/echo/%s", model.GlobalWorkspaceID) {
		t.Fatalf("unexpected endpoint: %v", s1.Endpoints)
	}
}

func TestSessionConnectWithUnknownProjectRootAutoCreatesWorkspace(t *testing.T) {
	srv := newTestServer(t)

	req := sessionConnectRequest{ProjectRoot: "/home/user/project-a", ClientType: "cli", ClientInstanceID: "c1"}
	rec := doJSON(t, srv, http.MethodPost, "/api/sessions/connect", req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var session model.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &session); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if session.WorkspaceID == "" {
		t.Fatal("expected an auto-created workspace id")
	}

	ws, err := srv.workspaces.Get(session.WorkspaceID)
	if err != nil {
		t.Fatalf("Get workspace: %v", err)
	}
	if ws == nil || !ws.AutoCleanup || ws.ProjectRoot != "/home/user/project-a" {
		t.Fatalf("expected an autoCleanup workspace rooted at the project, got %+v", ws)
	}
}

func TestSessionConnectWithKnownProjectRootReusesWorkspace(t *testing.T) {
	srv := newTestServer(t)
	if err := srv.workspaces.Create(&model.WorkspaceConfig{ID: "ws-existing", ProjectRoot: "/home/user/project-b"}); err != nil {
		t.Fatalf("seed workspace: %v", err)
	}

	req := sessionConnectRequest{ProjectRoot: "/home/user/project-b", ClientType: "cli", ClientInstanceID: "c1"}
	rec := doJSON(t, srv, http.MethodPost, "/api/sessions/connect", req)

	var session model.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &session); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if session.WorkspaceID != "ws-existing" {
		t.Fatalf("expected reuse of existing workspace, got %q", session.WorkspaceID)
	}
}

func TestSessionConnectWithoutWorkspaceOrProjectRootFails(t *testing.T) {
	srv := newTestServer(t)
	req := sessionConnectRequest{ClientType: "cli", ClientInstanceID: "c1"}
	rec := doJSON(t, srv, http.MethodPost, "/api/sessions/connect", req)
	if rec.Code == http.StatusOK {
		t.Fatal("expected an error when neither workspaceId nor projectRoot is given")
	}
}

func TestSessionPingUnknownReturnsFalse(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/api/sessions/ping", sessionIDRequest{SessionID: "nope"})
	var out map[string]bool
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["ok"] {
		t.Fatal("expected ok=false for unknown session")
	}
}

func TestCorsMiddlewareAllowsWildcardSubdomain(t *testing.T) {
	handler := corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}), []string{"https://*.example.com"})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://foo.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://foo.example.com" {
		t.Fatalf("expected origin echoed back, got %q", got)
	}
}

func TestCorsMiddlewareRejectsUnlistedOrigin(t *testing.T) {
	handler := corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}), []string{"https://*.example.com"})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.test")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("expected no CORS header for disallowed origin, got %q", got)
	}
}

func TestCorsMiddlewareShortCircuitsPreflight(t *testing.T) {
	called := false
	handler := corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}), []string{"*"})

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if called {
		t.Fatal("preflight must not reach the wrapped handler")
	}
}
