// Package version reports which build of fixengine is running. The
// commit hash comes from -ldflags when injected (container builds have
// no .git), from the module's VCS stamp otherwise, and degrades to
// "dev" for test binaries and non-git checkouts.
package version

import "runtime/debug"

// AppName prefixes version strings in logs and user agents.
const AppName = "fixengine"

// gitCommitOverride is injected via
// -ldflags "-X .../pkg/version.gitCommitOverride=<sha>".
// Empty means fall through to the VCS stamp.
var gitCommitOverride string

// GitCommit is the short commit hash, or "dev".
var GitCommit = resolveCommit(gitCommitOverride)

func resolveCommit(override string) string {
	if override != "" {
		return shortRev(override)
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && s.Value != "" {
				return shortRev(s.Value)
			}
		}
	}
	return "dev"
}

func shortRev(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

// Full returns "fixengine/<commit>".
func Full() string {
	return AppName + "/" + GitCommit
}
