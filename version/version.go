// Package version reports build and dependency information of the running binary
package version

import (
	"runtime/debug"
	"sort"
)

// ModulePath is the module path of this repository.
const ModulePath = "hut.evalgo.org"

// Version can be overridden at build time with
// -ldflags "-X hut.evalgo.org/version.Version=v1.2.3".
var Version = ""

// DependencyInfo represents a module dependency and its version
type DependencyInfo struct {
	Path    string `json:"path" yaml:"path"`
	Version string `json:"version" yaml:"version"`
	Replace string `json:"replace,omitempty" yaml:"replace,omitempty"`
}

// BuildInfo contains build-time information
type BuildInfo struct {
	GoVersion    string           `json:"goVersion" yaml:"goVersion"`
	MainModule   string           `json:"mainModule" yaml:"mainModule"`
	MainVersion  string           `json:"mainVersion" yaml:"mainVersion"`
	Dependencies []DependencyInfo `json:"dependencies" yaml:"dependencies"`
}

// GetBuildInfo extracts build information from the current binary
func GetBuildInfo() *BuildInfo {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return &BuildInfo{
			GoVersion:    "unknown",
			MainModule:   "unknown",
			MainVersion:  "unknown",
			Dependencies: []DependencyInfo{},
		}
	}

	buildInfo := &BuildInfo{
		GoVersion:    info.GoVersion,
		MainModule:   info.Path,
		MainVersion:  info.Main.Version,
		Dependencies: make([]DependencyInfo, 0, len(info.Deps)),
	}

	for _, dep := range info.Deps {
		depInfo := DependencyInfo{
			Path:    dep.Path,
			Version: dep.Version,
		}
		if dep.Replace != nil {
			depInfo.Replace = dep.Replace.Path + "@" + dep.Replace.Version
		}
		buildInfo.Dependencies = append(buildInfo.Dependencies, depInfo)
	}

	sort.Slice(buildInfo.Dependencies, func(i, j int) bool {
		return buildInfo.Dependencies[i].Path < buildInfo.Dependencies[j].Path
	})

	return buildInfo
}

// GetModuleVersion returns the version of this module.
// Returns "dev" for local builds and "unknown" without build info.
func GetModuleVersion() string {
	if Version != "" {
		return Version
	}

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}

	if info.Path == ModulePath || info.Main.Path == ModulePath {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			return info.Main.Version
		}
		return "dev"
	}

	for _, dep := range info.Deps {
		if dep.Path == ModulePath {
			if dep.Replace != nil {
				return dep.Replace.Version + " (replaced)"
			}
			return dep.Version
		}
	}

	return "unknown"
}
