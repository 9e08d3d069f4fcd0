// Package gateway reverse-proxies a client's /mcp/{serverId}/{workspaceId}/...
// requests to the right child process's loopback port, starting it on demand
// when the routing policy calls for lazy start, and mapping transport
// failures onto the error taxonomy this module's components all share.
//
// The reverse-proxy construction itself — build a target URL from a
// local port, wrap it in httputil.NewSingleHostReverseProxy, and
// install an ErrorHandler that turns a dial/timeout failure into a
// structured HTTP error instead of a raw stack trace — is carried over
// from this lineage's workspace port proxy, generalized from "any
// port, forward the raw request" to "route by (serverId, workspaceId),
// inject host context headers, and possibly start the child first".
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/tscodex/mcp-manager-app/internal/model"
	"github.com/tscodex/mcp-manager-app/internal/supervisor"
)

// Starter is the subset of *supervisor.Supervisor the gateway needs.
// Declared as an interface so gateway tests don't need a real child
// process.
type Starter interface {
	Start(serverID, workspaceID string, opts supervisor.StartOptions) (*model.ServerInstance, error)
	Get(serverID, workspaceID string) (*model.ServerInstance, bool)
}

// TemplateLookup is the subset of store.ServerStore the gateway needs
// to reject requests for a server that doesn't exist.
type TemplateLookup interface {
	Get(id string) (*model.ServerTemplate, error)
}

// OverrideLookup is the subset of store.WorkspaceStore the gateway
// needs to honour a workspace's per-server enabled/disabled override.
type OverrideLookup interface {
	GetServerConfig(workspaceID, serverID string) (*model.ServerOverride, error)
}

// Gateway is component E.
type Gateway struct {
	Supervisor Starter

	// Servers and Workspaces are optional; when set they back steps 1
	// and 2 of the per-request algorithm (unknown-server 404, disabled-
	// for-workspace 403). A nil value skips that check.
	Servers    TemplateLookup
	Workspaces OverrideLookup

	// LazyStart, when true, starts a stopped instance on first request
	// instead of returning InstanceNotRunning (503) immediately (the
	// "strict" policy).
	LazyStart bool

	// Deadline bounds the whole proxied round trip, per request.
	Deadline time.Duration
}

// New builds a Gateway. deadline <= 0 defaults to 30s per this
// module's design. servers/workspaces may be nil to skip the
// template-exists and workspace-override checks (used by tests that
// only care about the proxying behaviour).
func New(sup Starter, servers TemplateLookup, workspaces OverrideLookup, lazyStart bool, deadline time.Duration) *Gateway {
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	return &Gateway{Supervisor: sup, Servers: servers, Workspaces: workspaces, LazyStart: lazyStart, Deadline: deadline}
}

// ServeMCP proxies a request under /mcp/{serverId}/{workspaceId}/...
// to the child's own root, stripping the routing prefix.
func (g *Gateway) ServeMCP(w http.ResponseWriter, r *http.Request) {
	g.proxy(w, r, stripPrefix(r.URL.Path, "/mcp/", r.PathValue("serverId"), r.PathValue("workspaceId")))
}

func stripPrefix(path, prefix, serverID, workspaceID string) string {
	routed := prefix + serverID + "/" + workspaceID
	if rest := strings.TrimPrefix(path, routed); rest != path {
		if rest == "" {
			return "/"
		}
		return rest
	}
	return "/"
}

func (g *Gateway) proxy(w http.ResponseWriter, r *http.Request, upstreamPath string) {
	serverID := r.PathValue("serverId")
	workspaceID := r.PathValue("workspaceId")
	if serverID == "" || workspaceID == "" {
		writeTaxonomyError(w, model.NewError(model.KindNotFound, "serverId and workspaceId are required", nil))
		return
	}

	if g.Servers != nil {
		if tmpl, err := g.Servers.Get(serverID); err != nil || tmpl == nil {
			writeTaxonomyError(w, model.NewError(model.KindNotFound, "server not found", err))
			return
		}
	}
	if g.Workspaces != nil && workspaceID != model.GlobalWorkspaceID {
		override, err := g.Workspaces.GetServerConfig(workspaceID, serverID)
		if err == nil && override.Disabled() {
			writeTaxonomyError(w, model.NewError(model.KindDisabled, "server is disabled for this workspace", nil))
			return
		}
	}

	inst, ok := g.Supervisor.Get(serverID, workspaceID)
	if !ok || inst.Status != model.StatusRunning {
		if !g.LazyStart {
			writeTaxonomyError(w, model.NewError(model.KindInstanceNotRunning, fmt.Sprintf("instance %s is not running", model.InstanceKey(serverID, workspaceID)), nil))
			return
		}
		started, err := g.Supervisor.Start(serverID, workspaceID, supervisor.StartOptions{})
		if err != nil {
			writeTaxonomyError(w, err)
			return
		}
		inst = started
	}

	target, err := url.Parse(fmt.Sprintf("http://127.0.0.1:%d", inst.Port))
	if err != nil {
		writeTaxonomyError(w, model.NewError(model.KindInternal, "build proxy target", err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), g.Deadline)
	defer cancel()
	req := r.WithContext(ctx)
	routedURL := *req.URL
	routedURL.Path = upstreamPath
	req.URL = &routedURL

	proxy := httputil.NewSingleHostReverseProxy(target)
	director := proxy.Director
	proxy.Director = func(req *http.Request) {
		director(req)
		req.Header.Set("X-Server-Id", serverID)
		req.Header.Set("X-Workspace-Id", workspaceID)
	}
	proxy.ErrorHandler = func(rw http.ResponseWriter, req *http.Request, proxyErr error) {
		if errors.Is(proxyErr, context.DeadlineExceeded) {
			writeTaxonomyError(rw, model.NewError(model.KindGatewayTimeout, "upstream did not respond in time", proxyErr))
			return
		}
		writeTaxonomyError(rw, model.NewError(model.KindGatewayUnreachable, "upstream is unreachable", proxyErr))
	}
	proxy.ServeHTTP(w, req)
}

func writeTaxonomyError(w http.ResponseWriter, err error) {
	tagged := model.AsError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(tagged.HTTPStatus())
	fmt.Fprintf(w, `{"error":%q,"kind":%q}`, tagged.Message, tagged.Kind)
}
