// Package version exposes the agent version reported in the handshake and in
// plugin compatibility checks.
//
// Priority: -ldflags override > VCS info from debug.BuildInfo > "dev" fallback
// for the commit part; the semantic version is a source constant.
package version

import "runtime/debug"

// AppName is used in version strings and the protocol handshake.
const AppName = "device-agent"

// Version is the agent's semantic version. Plugin manifests compare their
// min_agent_version against this value.
const Version = "1.0.0"

// gitCommitOverride is set via -ldflags at build time for builds where .git
// is unavailable. Empty string means no override.
var gitCommitOverride string

// GitCommit is the short git commit hash (8 chars) from build info.
// Set to "dev" when build info is unavailable (e.g., `go test`, non-git builds).
var GitCommit = initGitCommit()

func initGitCommit() string {
	if gitCommitOverride != "" {
		if len(gitCommitOverride) > 8 {
			return gitCommitOverride[:8]
		}
		return gitCommitOverride
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && s.Value != "" {
			if len(s.Value) > 8 {
				return s.Value[:8]
			}
			return s.Value
		}
	}
	return "dev"
}

// Full returns "device-agent/1.0.0 (<commit>)" for logging and the hello
// payload.
func Full() string {
	return AppName + "/" + Version + " (" + GitCommit + ")"
}
