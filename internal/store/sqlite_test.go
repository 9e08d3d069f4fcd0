package store

import (
	"path/filepath"
	"testing"

	"github.com/tscodex/mcp-manager-app/internal/model"
)

func tempDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.db")
}

func TestOpenAndClose(t *testing.T) {
	s, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestOpenIsIdempotentAcrossMigrations(t *testing.T) {
	path := tempDBPath(t)

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer s2.Close()
}

func TestPutAndGetTemplate(t *testing.T) {
	s, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	tmpl := &model.ServerTemplate{
		ID:          "echo",
		DisplayName: "Echo Server",
		Install: model.InstallSpec{
			Variant:     model.InstallNPX,
			PackageName: "@example/echo-mcp",
		},
		DefaultConfig: map[string]any{"port": float64(0)},
	}
	if err := s.PutTemplate(tmpl); err != nil {
		t.Fatalf("PutTemplate: %v", err)
	}

	servers := s.AsServerStore()

	got, err := servers.Get("echo")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || got.DisplayName != "Echo Server" {
		t.Fatalf("unexpected template: %+v", got)
	}
	if got.Install.PackageName != "@example/echo-mcp" {
		t.Fatalf("unexpected install spec: %+v", got.Install)
	}

	all, err := servers.GetAll()
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 template, got %d", len(all))
	}
}

func TestGetTemplateUnknownReturnsNilNotError(t *testing.T) {
	s, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	got, err := s.AsServerStore().Get("missing")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for unknown template, got %+v", got)
	}
}

func TestWorkspaceCreateGetFindByProjectRootDelete(t *testing.T) {
	s, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	workspaces := s.AsWorkspaceStore()

	ws := &model.WorkspaceConfig{
		ID:          "ws-1",
		Label:       "Project A",
		ProjectRoot: "/home/user/project-a",
		AutoCleanup: true,
	}
	if err := workspaces.Create(ws); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := workspaces.Get("ws-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || got.Label != "Project A" || !got.AutoCleanup {
		t.Fatalf("unexpected workspace: %+v", got)
	}

	byRoot, err := workspaces.FindByProjectRoot("/home/user/project-a")
	if err != nil {
		t.Fatalf("FindByProjectRoot: %v", err)
	}
	if byRoot == nil || byRoot.ID != "ws-1" {
		t.Fatalf("unexpected lookup by project root: %+v", byRoot)
	}

	if err := workspaces.Delete("ws-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	gone, err := workspaces.Get("ws-1")
	if err != nil {
		t.Fatalf("Get after delete: %v", err)
	}
	if gone != nil {
		t.Fatalf("expected workspace to be gone, got %+v", gone)
	}
}

func TestServerConfigOverrideRoundTrip(t *testing.T) {
	s, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	workspaces := s.AsWorkspaceStore()
	disabled := false
	override := &model.ServerOverride{
		Enabled:        &disabled,
		ConfigOverride: map[string]any{"timeout": float64(30)},
	}
	if err := workspaces.SetServerConfig("ws-1", "echo", override); err != nil {
		t.Fatalf("SetServerConfig: %v", err)
	}

	got, err := workspaces.GetServerConfig("ws-1", "echo")
	if err != nil {
		t.Fatalf("GetServerConfig: %v", err)
	}
	if !got.Disabled() {
		t.Fatal("expected override to report disabled")
	}

	none, err := workspaces.GetServerConfig("ws-1", "other")
	if err != nil {
		t.Fatalf("GetServerConfig for unset override: %v", err)
	}
	if none != nil {
		t.Fatalf("expected nil override for unset server, got %+v", none)
	}
}

func TestWorkspaceGetIncludesOverrides(t *testing.T) {
	s, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	workspaces := s.AsWorkspaceStore()
	if err := workspaces.Create(&model.WorkspaceConfig{ID: "ws-1", ProjectRoot: "/p"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	enabled := true
	if err := workspaces.SetServerConfig("ws-1", "echo", &model.ServerOverride{Enabled: &enabled}); err != nil {
		t.Fatalf("SetServerConfig: %v", err)
	}

	ws, err := workspaces.Get("ws-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ws.Override("echo") == nil || ws.Override("echo").Disabled() {
		t.Fatalf("expected enabled override on echo, got %+v", ws.Override("echo"))
	}
}

func TestGetSecretsAppliesScopePrecedence(t *testing.T) {
	s, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.PutSecret("app", "", "", "API_KEY", "app-level"); err != nil {
		t.Fatalf("PutSecret app: %v", err)
	}
	if err := s.PutSecret("server", "echo", "", "API_KEY", "server-level"); err != nil {
		t.Fatalf("PutSecret server: %v", err)
	}
	if err := s.PutSecret("workspace", "echo", "ws-1", "API_KEY", "workspace-level"); err != nil {
		t.Fatalf("PutSecret workspace: %v", err)
	}
	if err := s.PutSecret("app", "", "", "OTHER_KEY", "only-app"); err != nil {
		t.Fatalf("PutSecret OTHER_KEY: %v", err)
	}

	secrets, err := s.GetSecrets("echo", "ws-1")
	if err != nil {
		t.Fatalf("GetSecrets: %v", err)
	}
	if secrets["API_KEY"] != "workspace-level" {
		t.Fatalf("expected workspace-scoped secret to win, got %q", secrets["API_KEY"])
	}
	if secrets["OTHER_KEY"] != "only-app" {
		t.Fatalf("expected app-level secret to be visible, got %q", secrets["OTHER_KEY"])
	}

	secretsForOtherWorkspace, err := s.GetSecrets("echo", "ws-2")
	if err != nil {
		t.Fatalf("GetSecrets for other workspace: %v", err)
	}
	if secretsForOtherWorkspace["API_KEY"] != "server-level" {
		t.Fatalf("expected server-scoped fallback, got %q", secretsForOtherWorkspace["API_KEY"])
	}
}

func TestGetProfileReturnsNilWhenUnset(t *testing.T) {
	s, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	profile, err := s.GetProfile()
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if profile != nil {
		t.Fatalf("expected nil profile, got %+v", profile)
	}
}
