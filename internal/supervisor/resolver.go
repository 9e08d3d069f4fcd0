package supervisor

import (
	"fmt"

	"github.com/tscodex/mcp-manager-app/internal/model"
)

// Resolver turns a ServerTemplate's install spec into a launch argv.
// Runner-variant resolution (picking a concrete npx/pnpx/yarn/bunx
// invocation for a package name+version) is the "resolve install
// spec -> launch argv" function §1 assumes is provided externally;
// DefaultResolver is a reasonable stdlib-only implementation of it,
// not a stand-in for an npm-registry client.
type Resolver interface {
	Resolve(spec model.InstallSpec) (argv []string, err error)
}

// DefaultResolver dispatches on InstallVariant using the package
// runners' own conventions for one-shot execution.
type DefaultResolver struct{}

func (DefaultResolver) Resolve(spec model.InstallSpec) ([]string, error) {
	switch spec.Variant {
	case model.InstallInstalled:
		if spec.EntryPoint == "" {
			return nil, fmt.Errorf("installed variant requires an entryPoint")
		}
		return []string{spec.EntryPoint}, nil

	case model.InstallLocal:
		if spec.LocalPath == "" {
			return nil, fmt.Errorf("local variant requires a localPath")
		}
		return []string{spec.LocalPath}, nil

	case model.InstallNPX, model.InstallPNPX, model.InstallBunx:
		pkg, err := pkgSpec(spec)
		if err != nil {
			return nil, err
		}
		runner := map[model.InstallVariant]string{
			model.InstallNPX:  "npx",
			model.InstallPNPX: "pnpx",
			model.InstallBunx: "bunx",
		}[spec.Variant]
		return []string{runner, "-y", pkg}, nil

	case model.InstallYarn:
		pkg, err := pkgSpec(spec)
		if err != nil {
			return nil, err
		}
		return []string{"yarn", "dlx", pkg}, nil

	default:
		return nil, fmt.Errorf("unknown install variant %q", spec.Variant)
	}
}

func pkgSpec(spec model.InstallSpec) (string, error) {
	if spec.PackageName == "" {
		return "", fmt.Errorf("%s variant requires a packageName", spec.Variant)
	}
	if spec.PackageVersion == "" {
		return spec.PackageName, nil
	}
	return spec.PackageName + "@" + spec.PackageVersion, nil
}
