// Package envbuilder merges parent environment, workspace context,
// server config, and secrets into the env a child process receives,
// under the three-part permission policy in §4.3. The allowlist-by-
// prefix/name-set approach mirrors how this lineage's config package
// treats environment variables as named, typed, allowlisted inputs —
// generalized here from "read one var" to "filter an entire env".
package envbuilder

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/tscodex/mcp-manager-app/internal/model"
)

// SecretLookup resolves secrets for a server at up to three scopes.
// Implementations are expected to apply precedence app-global <
// server-global < server-workspace themselves and return the merged
// map; EnvBuilder only applies the mode/allowlist filter on top.
type SecretLookup interface {
	GetSecrets(serverID, workspaceID string) (map[string]string, error)
}

// ProfileLookup resolves the optional identity token injected when a
// template's context permissions allow it.
type ProfileLookup interface {
	GetProfile() (*Profile, error)
}

// Profile is the opaque identity surfaced to a child as JSON.
type Profile struct {
	Email    string `json:"email"`
	FullName string `json:"fullName"`
}

// Builder constructs child environments from the inputs above.
type Builder struct {
	ParentEnv []string // os.Environ() in production; injectable for tests
	Secrets   SecretLookup
	Profile   ProfileLookup
}

// New creates a Builder reading parentEnv (typically os.Environ()).
func New(parentEnv []string, secrets SecretLookup, profile ProfileLookup) *Builder {
	return &Builder{ParentEnv: parentEnv, Secrets: secrets, Profile: profile}
}

// Request carries everything Build needs for one child spawn.
type Request struct {
	ServerID       string
	WorkspaceID    string
	ProjectRoot    string
	Host           string
	Port           int
	PathPrefix     string
	Permissions    model.ServerPermissions
	DefaultConfig  map[string]any
	ConfigOverride map[string]any
}

// Build returns the final "KEY=VALUE" slice for exec, in the override
// order fixed by §4.3: filtered parent env, then control variables,
// then CONFIG, then secrets, then identity.
func (b *Builder) Build(req Request) ([]string, error) {
	env := map[string]string{}

	for k, v := range filterParentEnv(b.ParentEnv, req.Permissions.Env) {
		env[k] = v
	}

	env["PORT"] = fmt.Sprintf("%d", req.Port)
	env["HOST"] = "127.0.0.1"
	env["PATH_PREFIX"] = defaultString(req.PathPrefix, "/mcp")
	env["SERVER_ID"] = req.ServerID
	if req.Permissions.Context.AllowWorkspaceID {
		env["WORKSPACE_ID"] = req.WorkspaceID
	}
	if req.Permissions.Context.AllowProjectRoot {
		env["PROJECT_ROOT"] = req.ProjectRoot
	}

	merged := mergeConfig(req.DefaultConfig, req.ConfigOverride)
	configJSON, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	env["CONFIG"] = string(configJSON)

	secrets, err := b.resolveSecrets(req)
	if err != nil {
		return nil, fmt.Errorf("resolve secrets: %w", err)
	}
	for k, v := range secrets {
		env[k] = v
	}

	if req.Permissions.Context.AllowUserProfile && b.Profile != nil {
		if profile, err := b.Profile.GetProfile(); err == nil && profile != nil {
			identityJSON, err := json.Marshal(profile)
			if err == nil {
				env["IDENTITY"] = string(identityJSON)
			}
		}
	}

	return toSlice(env), nil
}

// Redacted returns env with every value masked, for debug logging —
// secrets must never be logged in the clear.
func Redacted(env []string) []string {
	out := make([]string, len(env))
	for i, kv := range env {
		if idx := strings.IndexByte(kv, '='); idx >= 0 {
			out[i] = kv[:idx] + "=<redacted>"
		} else {
			out[i] = kv
		}
	}
	return out
}

func (b *Builder) resolveSecrets(req Request) (map[string]string, error) {
	if req.Permissions.Secrets.Mode == model.SecretsNone || b.Secrets == nil {
		return nil, nil
	}
	all, err := b.Secrets.GetSecrets(req.ServerID, req.WorkspaceID)
	if err != nil {
		return nil, err
	}
	if req.Permissions.Secrets.Mode == model.SecretsAll {
		return all, nil
	}
	// allowlist
	allowed := map[string]struct{}{}
	for _, k := range req.Permissions.Secrets.Allowlist {
		allowed[k] = struct{}{}
	}
	out := map[string]string{}
	for k, v := range all {
		if _, ok := allowed[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

// mergeConfig shallow-merges override over base (override wins).
func mergeConfig(base, override map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

func defaultString(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func toSlice(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
