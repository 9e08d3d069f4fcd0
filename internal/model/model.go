// Package model holds the data types shared by every core component:
// server templates, workspace configuration, live instances, and
// sessions. None of these types own behaviour — they are the nouns
// that PortAllocator, EnvBuilder, ProcessSupervisor, Gateway, and
// SessionRegistry all operate on.
package model

import "time"

// InstallVariant selects how a child process is launched.
type InstallVariant string

const (
	InstallNPX       InstallVariant = "npx"
	InstallPNPX      InstallVariant = "pnpx"
	InstallYarn      InstallVariant = "yarn"
	InstallBunx      InstallVariant = "bunx"
	InstallLocal     InstallVariant = "local"
	InstallInstalled InstallVariant = "installed"
)

// InstallSpec describes how to resolve a launch argv for a server
// template. PackageName/PackageVersion apply to the runner variants
// (npx/pnpx/yarn/bunx); LocalPath applies to "local"; EntryPoint
// applies to "installed". Resolving a runner variant into a concrete
// argv is delegated to an external resolver (see Resolver in the
// supervisor package) — package-registry lookups are out of scope.
type InstallSpec struct {
	Variant        InstallVariant
	PackageName    string
	PackageVersion string
	LocalPath      string
	EntryPoint     string
}

// SecretsMode controls which secrets an EnvBuilder exposes to a child.
type SecretsMode string

const (
	SecretsNone      SecretsMode = "none"
	SecretsAllowlist SecretsMode = "allowlist"
	SecretsAll       SecretsMode = "all"
)

// EnvPermissions is the categorical parent-environment allowlist.
type EnvPermissions struct {
	AllowPath       bool
	AllowHome       bool
	AllowLang       bool
	AllowTemp       bool
	AllowRuntime    bool
	CustomAllowlist []string
}

// ContextPermissions gates the injected identity/context variables.
type ContextPermissions struct {
	AllowProjectRoot  bool
	AllowWorkspaceID  bool
	AllowUserProfile  bool
}

// SecretsPermissions gates which secrets cross into the child env.
type SecretsPermissions struct {
	Mode      SecretsMode
	Allowlist []string
}

// ServerPermissions is the three-part allowlist that constrains what
// the host reveals to a child process. A nil *ServerPermissions on a
// ServerTemplate is legacy mode: unrestricted, for backward
// compatibility with templates installed before permissions existed.
type ServerPermissions struct {
	Env     EnvPermissions
	Context ContextPermissions
	Secrets SecretsPermissions
}

// UnrestrictedPermissions is the legacy-mode default applied when a
// template carries no permissions object at all.
func UnrestrictedPermissions() ServerPermissions {
	return ServerPermissions{
		Env: EnvPermissions{
			AllowPath:    true,
			AllowHome:    true,
			AllowLang:    true,
			AllowTemp:    true,
			AllowRuntime: true,
		},
		Context: ContextPermissions{
			AllowProjectRoot: true,
			AllowWorkspaceID: true,
			AllowUserProfile: true,
		},
		Secrets: SecretsPermissions{Mode: SecretsAll},
	}
}

// SecureDefaultPermissions is what a new install should populate:
// PATH only, no secrets, full context.
func SecureDefaultPermissions() ServerPermissions {
	return ServerPermissions{
		Env: EnvPermissions{AllowPath: true},
		Context: ContextPermissions{
			AllowProjectRoot: true,
			AllowWorkspaceID: true,
			AllowUserProfile: true,
		},
		Secrets: SecretsPermissions{Mode: SecretsNone},
	}
}

// ServerTemplate is the read-only declarative description of a child.
type ServerTemplate struct {
	ID             string
	DisplayName    string
	Install        InstallSpec
	DefaultConfig  map[string]any
	Permissions    *ServerPermissions
	ContextHeaders map[string]string
}

// EffectivePermissions returns p.Permissions, or the legacy-mode
// unrestricted default if the template has none.
func (t ServerTemplate) EffectivePermissions() ServerPermissions {
	if t.Permissions == nil {
		return UnrestrictedPermissions()
	}
	return *t.Permissions
}

// secretsModeRank orders SecretsMode from least to most permissive, so
// a merge can take the stricter of two modes.
func secretsModeRank(m SecretsMode) int {
	switch m {
	case SecretsNone:
		return 0
	case SecretsAllowlist:
		return 1
	case SecretsAll:
		return 2
	default:
		return 0
	}
}

// intersect returns the elements common to both slices. A narrowing
// merge can only shrink an allowlist, never grow it, so either side
// being empty yields an empty result.
func intersect(a, b []string) []string {
	if len(a) == 0 || len(b) == 0 {
		return nil
	}
	allowed := make(map[string]bool, len(a))
	for _, v := range a {
		allowed[v] = true
	}
	out := make([]string, 0, len(b))
	for _, v := range b {
		if allowed[v] {
			out = append(out, v)
		}
	}
	return out
}

// MergePermissions applies override field-wise over base per §4.3: a
// workspace override can only narrow what a server template grants,
// never widen it. Boolean allowances AND together, secrets mode takes
// the stricter of the two, and allowlists intersect.
func MergePermissions(base ServerPermissions, override *ServerPermissions) ServerPermissions {
	if override == nil {
		return base
	}

	merged := ServerPermissions{
		Env: EnvPermissions{
			AllowPath:       base.Env.AllowPath && override.Env.AllowPath,
			AllowHome:       base.Env.AllowHome && override.Env.AllowHome,
			AllowLang:       base.Env.AllowLang && override.Env.AllowLang,
			AllowTemp:       base.Env.AllowTemp && override.Env.AllowTemp,
			AllowRuntime:    base.Env.AllowRuntime && override.Env.AllowRuntime,
			CustomAllowlist: intersect(base.Env.CustomAllowlist, override.Env.CustomAllowlist),
		},
		Context: ContextPermissions{
			AllowProjectRoot: base.Context.AllowProjectRoot && override.Context.AllowProjectRoot,
			AllowWorkspaceID: base.Context.AllowWorkspaceID && override.Context.AllowWorkspaceID,
			AllowUserProfile: base.Context.AllowUserProfile && override.Context.AllowUserProfile,
		},
	}

	if secretsModeRank(override.Secrets.Mode) < secretsModeRank(base.Secrets.Mode) {
		merged.Secrets.Mode = override.Secrets.Mode
	} else {
		merged.Secrets.Mode = base.Secrets.Mode
	}
	if merged.Secrets.Mode == SecretsAllowlist {
		// A side in SecretsAll mode grants every key, so only the other
		// side's list limits the result.
		switch {
		case base.Secrets.Mode == SecretsAll:
			merged.Secrets.Allowlist = append([]string(nil), override.Secrets.Allowlist...)
		case override.Secrets.Mode == SecretsAll:
			merged.Secrets.Allowlist = append([]string(nil), base.Secrets.Allowlist...)
		default:
			merged.Secrets.Allowlist = intersect(base.Secrets.Allowlist, override.Secrets.Allowlist)
		}
	}

	return merged
}

// ServerOverride is a workspace's per-server override.
type ServerOverride struct {
	Enabled             *bool
	ConfigOverride      map[string]any
	PermissionsOverride *ServerPermissions
	ContextHeaders      map[string]string
}

// Disabled reports whether this override explicitly disables the server.
func (o *ServerOverride) Disabled() bool {
	return o != nil && o.Enabled != nil && !*o.Enabled
}

// GlobalWorkspaceID is the reserved workspace id that is never
// auto-deleted. Requests for it skip the workspace override lookup.
const GlobalWorkspaceID = "global"

// WorkspaceConfig is a logical scope owned by a client.
type WorkspaceConfig struct {
	ID             string
	Label          string
	ProjectRoot    string
	AutoCleanup    bool
	ServerOverride map[string]*ServerOverride // keyed by serverId
}

// Override returns the override for serverId, or nil if none is set.
func (w *WorkspaceConfig) Override(serverID string) *ServerOverride {
	if w == nil || w.ServerOverride == nil {
		return nil
	}
	return w.ServerOverride[serverID]
}

// InstanceStatus is the lifecycle state of a ServerInstance.
type InstanceStatus string

const (
	StatusStarting InstanceStatus = "starting"
	StatusRunning  InstanceStatus = "running"
	StatusStopped  InstanceStatus = "stopped"
	StatusError    InstanceStatus = "error"
)

// ServerInstance is the in-memory record of a live or recently-live
// child process for one (serverId, workspaceId) key.
type ServerInstance struct {
	ServerID    string `json:"serverId"`
	WorkspaceID string `json:"workspaceId"`

	Status InstanceStatus `json:"status"`
	PID    int            `json:"pid,omitempty"`
	Port   int            `json:"port,omitempty"`

	LastError     string    `json:"lastError,omitempty"`
	LastErrorKind ErrorKind `json:"lastErrorKind,omitempty"`

	RestartAttempts int       `json:"restartAttempts"`
	FirstStartAt    time.Time `json:"firstStartAt,omitempty"`

	ToolsCount     int  `json:"toolsCount"`
	ResourcesCount int  `json:"resourcesCount"`
	PromptsCount   *int `json:"promptsCount,omitempty"`
}

// Key returns the supervisor's canonical instance key.
func (i ServerInstance) Key() string {
	return InstanceKey(i.ServerID, i.WorkspaceID)
}

// InstanceKey builds the keyed-map key used throughout the supervisor
// and port allocator: serverId + ":" + workspaceId.
func InstanceKey(serverID, workspaceID string) string {
	return serverID + ":" + workspaceID
}

// Session is a heartbeat-kept association between a client instance
// and a workspace.
type Session struct {
	SessionID        string            `json:"sessionId"`
	WorkspaceID      string            `json:"workspaceId"`
	ClientType       string            `json:"clientType"`
	ClientInstanceID string            `json:"clientInstanceId"`
	ProjectRoot      string            `json:"projectRoot,omitempty"`
	LastSeenAt       time.Time         `json:"lastSeenAt"`
	Endpoints        map[string]string `json:"endpoints,omitempty"` // serverId -> proxy URL
}
