package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/tscodex/mcp-manager-app/internal/eventbus"
	"github.com/tscodex/mcp-manager-app/internal/model"
	"github.com/tscodex/mcp-manager-app/internal/supervisor"
)

type instanceRequest struct {
	ServerID    string `json:"serverId"`
	WorkspaceID string `json:"workspaceId"`
}

func (req *instanceRequest) normalize() {
	if req.WorkspaceID == "" {
		req.WorkspaceID = model.GlobalWorkspaceID
	}
}

// startOptionsFor resolves the project root and merged config override
// for a (serverId, workspaceId) pair from the workspace store. A
// missing workspace (e.g. the reserved "global" scope) yields empty
// defaults rather than an error.
func (s *Server) startOptionsFor(serverID, workspaceID string) supervisor.StartOptions {
	opts := supervisor.StartOptions{}
	if workspaceID == model.GlobalWorkspaceID {
		return opts
	}
	ws, err := s.workspaces.Get(workspaceID)
	if err != nil || ws == nil {
		return opts
	}
	opts.ProjectRoot = ws.ProjectRoot
	if override := ws.Override(serverID); override != nil {
		opts.ConfigOverride = override.ConfigOverride
		opts.PermissionsOverride = override.PermissionsOverride
	}
	return opts
}

func (s *Server) handleInstanceStart(w http.ResponseWriter, r *http.Request) {
	var req instanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ServerID == "" {
		writeError(w, model.NewError(model.KindInternal, "serverId is required", err))
		return
	}
	req.normalize()

	inst, err := s.sup.Start(req.ServerID, req.WorkspaceID, s.startOptionsFor(req.ServerID, req.WorkspaceID))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleInstanceStop(w http.ResponseWriter, r *http.Request) {
	var req instanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ServerID == "" {
		writeError(w, model.NewError(model.KindInternal, "serverId is required", err))
		return
	}
	req.normalize()

	if err := s.sup.Stop(req.ServerID, req.WorkspaceID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleInstanceRestart(w http.ResponseWriter, r *http.Request) {
	var req instanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ServerID == "" {
		writeError(w, model.NewError(model.KindInternal, "serverId is required", err))
		return
	}
	req.normalize()

	inst, err := s.sup.Restart(req.ServerID, req.WorkspaceID, s.startOptionsFor(req.ServerID, req.WorkspaceID))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleInstanceRestartAll(w http.ResponseWriter, r *http.Request) {
	running := make([]model.ServerInstance, 0)
	for _, inst := range s.sup.All() {
		if inst.Status == model.StatusRunning {
			running = append(running, inst)
		}
	}

	results := make(map[string]map[string]any, len(running))
	for _, inst := range running {
		opts := s.startOptionsFor(inst.ServerID, inst.WorkspaceID)
		_, err := s.sup.Restart(inst.ServerID, inst.WorkspaceID, opts)
		entry := map[string]any{"ok": err == nil}
		if err != nil {
			entry["error"] = model.AsError(err).Message
		}
		results[inst.Key()] = entry
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleInstanceGet(w http.ResponseWriter, r *http.Request) {
	serverID := r.PathValue("serverId")
	workspaceID := r.PathValue("workspaceId")

	inst, ok := s.sup.Get(serverID, workspaceID)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"instance": nil, "status": "stopped"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"instance": inst, "status": inst.Status})
}

// handleMCPStatus answers GET /mcp/{serverId}/{workspaceId}/health
// directly from supervisor state, without touching the child.
func (s *Server) handleMCPStatus(w http.ResponseWriter, r *http.Request) {
	serverID := r.PathValue("serverId")
	workspaceID := r.PathValue("workspaceId")

	inst, ok := s.sup.Get(serverID, workspaceID)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{
			"status": model.StatusStopped, "serverId": serverID, "workspaceId": workspaceID,
		})
		return
	}
	resp := map[string]any{"status": inst.Status, "serverId": serverID, "workspaceId": workspaceID}
	if inst.Status == model.StatusRunning {
		resp["port"] = inst.Port
		resp["pid"] = inst.PID
	}
	writeJSON(w, http.StatusOK, resp)
}

type sessionConnectRequest struct {
	WorkspaceID      string `json:"workspaceId"`
	ProjectRoot      string `json:"projectRoot"`
	ClientType       string `json:"clientType"`
	ClientInstanceID string `json:"clientInstanceId"`
}

func (s *Server) handleSessionConnect(w http.ResponseWriter, r *http.Request) {
	var req sessionConnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ClientInstanceID == "" {
		writeError(w, model.NewError(model.KindInternal, "clientInstanceId is required", err))
		return
	}
	if req.WorkspaceID == "" && req.ProjectRoot == "" {
		writeError(w, model.NewError(model.KindInternal, "workspaceId or projectRoot is required", nil))
		return
	}

	workspaceID, err := s.resolveWorkspaceID(req.WorkspaceID, req.ProjectRoot)
	if err != nil {
		writeError(w, err)
		return
	}

	session := s.sessions.Connect(workspaceID, req.ClientType, req.ClientInstanceID, req.ProjectRoot)
	session.Endpoints = s.enabledEndpoints(workspaceID)

	writeJSON(w, http.StatusOK, session)
}

// resolveWorkspaceID implements the auto-create half of the workspace
// auto-cleanup contract (§4.6/§8 scenario 5): a caller that names an
// explicit workspaceId gets it verbatim; a caller that connects with
// only a projectRoot is matched against any existing workspace rooted
// there, or gets a fresh autoCleanup workspace created on the spot.
func (s *Server) resolveWorkspaceID(workspaceID, projectRoot string) (string, error) {
	if workspaceID != "" {
		return workspaceID, nil
	}

	existing, err := s.workspaces.FindByProjectRoot(projectRoot)
	if err != nil {
		return "", model.NewError(model.KindInternal, "look up workspace by project root", err)
	}
	if existing != nil {
		return existing.ID, nil
	}

	ws := &model.WorkspaceConfig{
		ID:          uuid.NewString(),
		Label:       filepath.Base(projectRoot),
		ProjectRoot: projectRoot,
		AutoCleanup: true,
	}
	if err := s.workspaces.Create(ws); err != nil {
		return "", model.NewError(model.KindInternal, "create workspace", err)
	}
	s.bus.EmitApp(eventbus.AppEvent{Type: eventbus.WorkspaceCreated, WorkspaceID: ws.ID, Reason: "auto-create"})

	return ws.ID, nil
}

// enabledEndpoints returns serverId -> proxy URL for every known
// server template that is not explicitly disabled for workspaceID.
func (s *Server) enabledEndpoints(workspaceID string) map[string]string {
	templates, err := s.servers.GetAll()
	if err != nil {
		return nil
	}
	endpoints := make(map[string]string, len(templates))
	for _, tmpl := range templates {
		if workspaceID != model.GlobalWorkspaceID {
			override, err := s.workspaces.GetServerConfig(workspaceID, tmpl.ID)
			if err == nil && override.Disabled() {
				continue
			}
		}
		endpoints[tmpl.ID] = fmt.Sprintf("/mcp/%s/%s", tmpl.ID, workspaceID)
	}
	return endpoints
}

type sessionIDRequest struct {
	SessionID string `json:"sessionId"`
}

func (s *Server) handleSessionPing(w http.ResponseWriter, r *http.Request) {
	var req sessionIDRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		writeError(w, model.NewError(model.KindInternal, "sessionId is required", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": s.sessions.Ping(req.SessionID)})
}

func (s *Server) handleSessionDisconnect(w http.ResponseWriter, r *http.Request) {
	var req sessionIDRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		writeError(w, model.NewError(model.KindInternal, "sessionId is required", err))
		return
	}
	s.sessions.Disconnect(req.SessionID)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
