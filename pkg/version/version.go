// Package version exposes the server version derived from build
// metadata. Priority: -ldflags override > VCS info from debug.BuildInfo
// > "dev" fallback.
package version

import "runtime/debug"

// AppName is used in version strings and the health payload.
const AppName = "spindle"

// Overridden via -ldflags for container builds where .git is
// unavailable. Empty means no override.
var (
	versionOverride string
	commitOverride  string
)

// Version is the release tag, or "dev" outside a tagged build.
var Version = firstNonEmpty(versionOverride, "dev")

// Commit is the short git revision, "dev" when build info is missing
// (plain `go test`, non-git builds).
var Commit = initCommit()

func initCommit() string {
	if commitOverride != "" {
		return short(commitOverride)
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	revision := ""
	dirty := false
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if revision == "" {
		return "dev"
	}
	if dirty {
		return short(revision) + "-dirty"
	}
	return short(revision)
}

func short(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Full returns "spindle/<version>+<commit>" for logs and the health
// endpoint.
func Full() string {
	return AppName + "/" + Version + "+" + Commit
}
