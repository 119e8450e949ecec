// Package version derives the gateway version from build metadata: an
// -ldflags override wins, then the VCS revision from debug.BuildInfo, then
// the "dev" fallback used by go test and non-git builds.
package version

import "runtime/debug"

// AppName appears in version strings and user agents.
const AppName = "inferd"

// commitOverride is set with -ldflags for builds without a .git directory.
var commitOverride string

// GitCommit is the short commit hash this binary was built from.
var GitCommit = resolveCommit()

func resolveCommit() string {
	if commitOverride != "" {
		return short(commitOverride)
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && s.Value != "" {
			return short(s.Value)
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

// Full returns "inferd/<commit>" for user-agent strings and startup logs.
func Full() string {
	return AppName + "/" + GitCommit
}
