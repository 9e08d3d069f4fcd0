// SQLite-backed reference implementation of ServerStore, WorkspaceStore,
// and SecretStore. The migration-table pattern (schema_version +
// ordered migration funcs) and WAL/busy_timeout tuning are carried
// over verbatim in spirit from this lineage's persistence package;
// the schema and CRUD surface are retargeted from terminal/chat tabs
// to server templates, workspace configs, and secrets.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tscodex/mcp-manager-app/internal/envbuilder"
	"github.com/tscodex/mcp-manager-app/internal/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements ServerStore, WorkspaceStore, and SecretStore
// against a single SQLite database file.
type SQLiteStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates or opens a SQLite database at dbPath, applying WAL mode
// and a busy timeout tuned for a single-host, low-write-volume load.
func Open(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{migrateV1}
	for i := version; i < len(migrations); i++ {
		slog.Info("applying store migration", "version", i+1)
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}
	return nil
}

func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS server_templates (
			id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			install_json TEXT NOT NULL,
			default_config_json TEXT NOT NULL DEFAULT '{}',
			permissions_json TEXT NOT NULL DEFAULT '',
			context_headers_json TEXT NOT NULL DEFAULT '{}'
		);

		CREATE TABLE IF NOT EXISTS workspaces (
			id TEXT PRIMARY KEY,
			label TEXT NOT NULL DEFAULT '',
			project_root TEXT NOT NULL DEFAULT '',
			auto_cleanup INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_workspaces_project_root ON workspaces(project_root);

		CREATE TABLE IF NOT EXISTS workspace_server_overrides (
			workspace_id TEXT NOT NULL,
			server_id TEXT NOT NULL,
			override_json TEXT NOT NULL,
			PRIMARY KEY (workspace_id, server_id)
		);

		CREATE TABLE IF NOT EXISTS secrets (
			scope TEXT NOT NULL,       -- 'app' | 'server' | 'workspace'
			server_id TEXT NOT NULL DEFAULT '',
			workspace_id TEXT NOT NULL DEFAULT '',
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (scope, server_id, workspace_id, key)
		);

		CREATE TABLE IF NOT EXISTS profile (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			email TEXT NOT NULL DEFAULT '',
			full_name TEXT NOT NULL DEFAULT ''
		);
	`)
	return err
}

// Servers adapts SQLiteStore to the ServerStore interface.
type Servers struct{ *SQLiteStore }

func (s *SQLiteStore) AsServerStore() Servers { return Servers{s} }

func (s Servers) Get(id string) (*model.ServerTemplate, error) { return s.getTemplate(id) }
func (s Servers) GetAll() ([]*model.ServerTemplate, error)     { return s.getAllTemplates() }

// Workspaces adapts SQLiteStore to the WorkspaceStore interface.
type Workspaces struct{ *SQLiteStore }

func (s *SQLiteStore) AsWorkspaceStore() Workspaces { return Workspaces{s} }

func (w Workspaces) Get(id string) (*model.WorkspaceConfig, error) { return w.getWorkspace(id) }
func (w Workspaces) FindByProjectRoot(path string) (*model.WorkspaceConfig, error) {
	return w.findByProjectRoot(path)
}
func (w Workspaces) Create(ws *model.WorkspaceConfig) error { return w.createWorkspace(ws) }
func (w Workspaces) Update(ws *model.WorkspaceConfig) error { return w.createWorkspace(ws) }
func (w Workspaces) Delete(id string) error                { return w.deleteWorkspace(id) }
func (w Workspaces) GetServerConfig(workspaceID, serverID string) (*model.ServerOverride, error) {
	return w.getServerConfig(workspaceID, serverID)
}
func (w Workspaces) SetServerConfig(workspaceID, serverID string, override *model.ServerOverride) error {
	return w.setServerConfig(workspaceID, serverID, override)
}

// --- ServerStore ---

func (s *SQLiteStore) getTemplate(id string) (*model.ServerTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT id, display_name, install_json, default_config_json, permissions_json, context_headers_json FROM server_templates WHERE id = ?`, id)
	t, err := scanTemplate(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

func (s *SQLiteStore) getAllTemplates() ([]*model.ServerTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT id, display_name, install_json, default_config_json, permissions_json, context_headers_json FROM server_templates`)
	if err != nil {
		return nil, fmt.Errorf("query server templates: %w", err)
	}
	defer rows.Close()

	var out []*model.ServerTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTemplate(row scanner) (*model.ServerTemplate, error) {
	var (
		id, displayName, installJSON, defaultConfigJSON, permissionsJSON, contextHeadersJSON string
	)
	if err := row.Scan(&id, &displayName, &installJSON, &defaultConfigJSON, &permissionsJSON, &contextHeadersJSON); err != nil {
		return nil, err
	}

	t := &model.ServerTemplate{ID: id, DisplayName: displayName}
	if err := json.Unmarshal([]byte(installJSON), &t.Install); err != nil {
		return nil, fmt.Errorf("unmarshal install spec: %w", err)
	}
	if defaultConfigJSON != "" {
		if err := json.Unmarshal([]byte(defaultConfigJSON), &t.DefaultConfig); err != nil {
			return nil, fmt.Errorf("unmarshal default config: %w", err)
		}
	}
	if permissionsJSON != "" {
		var perm model.ServerPermissions
		if err := json.Unmarshal([]byte(permissionsJSON), &perm); err != nil {
			return nil, fmt.Errorf("unmarshal permissions: %w", err)
		}
		t.Permissions = &perm
	}
	if contextHeadersJSON != "" {
		if err := json.Unmarshal([]byte(contextHeadersJSON), &t.ContextHeaders); err != nil {
			return nil, fmt.Errorf("unmarshal context headers: %w", err)
		}
	}
	return t, nil
}

// PutTemplate is a test/seed helper; template authoring is otherwise
// out of scope (owned by the installer/UI per §1).
func (s *SQLiteStore) PutTemplate(t *model.ServerTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	installJSON, err := json.Marshal(t.Install)
	if err != nil {
		return err
	}
	defaultConfigJSON, err := json.Marshal(t.DefaultConfig)
	if err != nil {
		return err
	}
	permissionsJSON := ""
	if t.Permissions != nil {
		b, err := json.Marshal(t.Permissions)
		if err != nil {
			return err
		}
		permissionsJSON = string(b)
	}
	contextHeadersJSON, err := json.Marshal(t.ContextHeaders)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`INSERT OR REPLACE INTO server_templates (id, display_name, install_json, default_config_json, permissions_json, context_headers_json) VALUES (?,?,?,?,?,?)`,
		t.ID, t.DisplayName, string(installJSON), string(defaultConfigJSON), permissionsJSON, string(contextHeadersJSON))
	return err
}

// --- WorkspaceStore ---

func (s *SQLiteStore) getWorkspace(id string) (*model.WorkspaceConfig, error) {
	s.mu.RLock()
	row := s.db.QueryRow(`SELECT id, label, project_root, auto_cleanup FROM workspaces WHERE id = ?`, id)
	ws, err := scanWorkspace(row)
	s.mu.RUnlock()
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	overrides, err := s.loadOverrides(id)
	if err != nil {
		return nil, err
	}
	ws.ServerOverride = overrides
	return ws, nil
}

func (s *SQLiteStore) findByProjectRoot(path string) (*model.WorkspaceConfig, error) {
	s.mu.RLock()
	row := s.db.QueryRow(`SELECT id, label, project_root, auto_cleanup FROM workspaces WHERE project_root = ? LIMIT 1`, path)
	ws, err := scanWorkspace(row)
	s.mu.RUnlock()
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	overrides, err := s.loadOverrides(ws.ID)
	if err != nil {
		return nil, err
	}
	ws.ServerOverride = overrides
	return ws, nil
}

func scanWorkspace(row scanner) (*model.WorkspaceConfig, error) {
	var (
		id, label, projectRoot string
		autoCleanup             int
	)
	if err := row.Scan(&id, &label, &projectRoot, &autoCleanup); err != nil {
		return nil, err
	}
	return &model.WorkspaceConfig{
		ID:          id,
		Label:       label,
		ProjectRoot: projectRoot,
		AutoCleanup: autoCleanup != 0,
	}, nil
}

func (s *SQLiteStore) loadOverrides(workspaceID string) (map[string]*model.ServerOverride, error) {
	s.mu.RLock()
	rows, err := s.db.Query(`SELECT server_id, override_json FROM workspace_server_overrides WHERE workspace_id = ?`, workspaceID)
	s.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("query overrides: %w", err)
	}
	defer rows.Close()

	out := map[string]*model.ServerOverride{}
	for rows.Next() {
		var serverID, overrideJSON string
		if err := rows.Scan(&serverID, &overrideJSON); err != nil {
			return nil, err
		}
		var override model.ServerOverride
		if err := json.Unmarshal([]byte(overrideJSON), &override); err != nil {
			return nil, fmt.Errorf("unmarshal override: %w", err)
		}
		out[serverID] = &override
	}
	return out, rows.Err()
}

func (s *SQLiteStore) createWorkspace(ws *model.WorkspaceConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	autoCleanup := 0
	if ws.AutoCleanup {
		autoCleanup = 1
	}
	_, err := s.db.Exec(`INSERT OR REPLACE INTO workspaces (id, label, project_root, auto_cleanup) VALUES (?,?,?,?)`,
		ws.ID, ws.Label, ws.ProjectRoot, autoCleanup)
	return err
}

func (s *SQLiteStore) deleteWorkspace(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(`DELETE FROM workspace_server_overrides WHERE workspace_id = ?`, id); err != nil {
		return err
	}
	_, err := s.db.Exec(`DELETE FROM workspaces WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) getServerConfig(workspaceID, serverID string) (*model.ServerOverride, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var overrideJSON string
	err := s.db.QueryRow(`SELECT override_json FROM workspace_server_overrides WHERE workspace_id = ? AND server_id = ?`, workspaceID, serverID).Scan(&overrideJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var override model.ServerOverride
	if err := json.Unmarshal([]byte(overrideJSON), &override); err != nil {
		return nil, err
	}
	return &override, nil
}

func (s *SQLiteStore) setServerConfig(workspaceID, serverID string, override *model.ServerOverride) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := json.Marshal(override)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO workspace_server_overrides (workspace_id, server_id, override_json) VALUES (?,?,?)`,
		workspaceID, serverID, string(b))
	return err
}

// --- SecretStore ---

func (s *SQLiteStore) GetSecrets(serverID, workspaceID string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := map[string]string{}
	apply := func(rows *sql.Rows) error {
		defer rows.Close()
		for rows.Next() {
			var k, v string
			if err := rows.Scan(&k, &v); err != nil {
				return err
			}
			out[k] = v
		}
		return rows.Err()
	}

	// Precedence app-global < server-global < server-workspace: later
	// queries overwrite earlier ones in the map.
	appRows, err := s.db.Query(`SELECT key, value FROM secrets WHERE scope = 'app'`)
	if err != nil {
		return nil, fmt.Errorf("query app secrets: %w", err)
	}
	if err := apply(appRows); err != nil {
		return nil, err
	}

	serverRows, err := s.db.Query(`SELECT key, value FROM secrets WHERE scope = 'server' AND server_id = ?`, serverID)
	if err != nil {
		return nil, fmt.Errorf("query server secrets: %w", err)
	}
	if err := apply(serverRows); err != nil {
		return nil, err
	}

	wsRows, err := s.db.Query(`SELECT key, value FROM secrets WHERE scope = 'workspace' AND server_id = ? AND workspace_id = ?`, serverID, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("query workspace secrets: %w", err)
	}
	if err := apply(wsRows); err != nil {
		return nil, err
	}

	return out, nil
}

func (s *SQLiteStore) GetProfile() (*envbuilder.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var email, fullName string
	err := s.db.QueryRow(`SELECT email, full_name FROM profile WHERE id = 1`).Scan(&email, &fullName)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &envbuilder.Profile{Email: email, FullName: fullName}, nil
}

// PutSecret is a test/seed helper for the otherwise out-of-scope
// secrets-authoring surface.
func (s *SQLiteStore) PutSecret(scope, serverID, workspaceID, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT OR REPLACE INTO secrets (scope, server_id, workspace_id, key, value) VALUES (?,?,?,?,?)`,
		scope, serverID, workspaceID, key, value)
	return err
}
