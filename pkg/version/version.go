// Package version resolves the build's git revision for startup logs and
// the health endpoint.
package version

import (
	"runtime/debug"
	"sync"
)

// AppName prefixes the version string.
const AppName = "catalyst"

// commitOverride is injected with -ldflags for builds where no VCS
// metadata is stamped, e.g. container builds from an exported tree.
var commitOverride string

// Commit returns the short git revision, or "dev" when neither an override
// nor VCS build info is available. Resolved once.
var Commit = sync.OnceValue(resolveCommit)

// Full returns "catalyst/<commit>".
func Full() string {
	return AppName + "/" + Commit()
}

func resolveCommit() string {
	if commitOverride != "" {
		return short(commitOverride)
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && s.Value != "" {
				return short(s.Value)
			}
		}
	}
	return "dev"
}

func short(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}
