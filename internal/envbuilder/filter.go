package envbuilder

import (
	"strings"

	"github.com/tscodex/mcp-manager-app/internal/model"
)

// pathNames, homeNames, tempNames are the fixed name sets §4.3
// documents for each categorical allowlist flag.
var (
	pathNames = []string{"PATH", "PATHEXT"}
	homeNames = []string{"HOME", "USERPROFILE", "HOMEPATH"}
	tempNames = []string{"TEMP", "TMP", "TMPDIR"}
)

// runtimePrefixes identifies env vars belonging to a language runtime
// or its package manager, matched by prefix per §4.3's allowRuntime.
var runtimePrefixes = []string{
	"NODE_", "NPM_", "PNPM_", "YARN_", "BUN_",
	"PYTHON", "PIP_", "VIRTUAL_ENV",
	"GOPATH", "GOCACHE", "GOMODCACHE", "GOROOT",
	"RUBY", "GEM_", "BUNDLE_",
	"CARGO_", "RUSTUP_",
	"JAVA_HOME", "MAVEN_", "GRADLE_",
}

func isLangVar(name string) bool {
	if name == "LANG" || name == "LANGUAGE" {
		return true
	}
	return strings.HasPrefix(name, "LC_")
}

func contains(set []string, name string) bool {
	for _, s := range set {
		if s == name {
			return true
		}
	}
	return false
}

func hasRuntimePrefix(name string) bool {
	for _, p := range runtimePrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// filterParentEnv applies the categorical allowlist to a raw
// "KEY=VALUE" environ slice, returning only the names the policy
// permits. Anything unmatched is dropped — this is a default-deny
// filter, not a default-allow one.
func filterParentEnv(parentEnv []string, perm model.EnvPermissions) map[string]string {
	custom := map[string]struct{}{}
	for _, n := range perm.CustomAllowlist {
		custom[n] = struct{}{}
	}

	out := map[string]string{}
	for _, kv := range parentEnv {
		idx := strings.IndexByte(kv, '=')
		if idx < 0 {
			continue
		}
		name, value := kv[:idx], kv[idx+1:]

		switch {
		case perm.AllowPath && contains(pathNames, name):
		case perm.AllowHome && contains(homeNames, name):
		case perm.AllowLang && isLangVar(name):
		case perm.AllowTemp && contains(tempNames, name):
		case perm.AllowRuntime && hasRuntimePrefix(name):
		default:
			if _, ok := custom[name]; !ok {
				continue
			}
		}
		out[name] = value
	}
	return out
}
