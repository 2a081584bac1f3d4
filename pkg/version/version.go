package version

import (
	"fmt"
	"runtime"
)

// Set via -ldflags "-X github.com/frostdev-ops/trustgate/pkg/version.Version=..."
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// BuildInfo is reported in health responses and the startup log line.
type BuildInfo struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
}

// GetVersion returns the release version, or dev-<short commit> for
// untagged builds.
func GetVersion() string {
	if Version != "dev" {
		return Version
	}
	if len(GitCommit) >= 8 {
		return "dev-" + GitCommit[:8]
	}
	if GitCommit != "" {
		return "dev-" + GitCommit
	}
	return "dev-unknown"
}

func GetBuildInfo() BuildInfo {
	return BuildInfo{
		Version:   GetVersion(),
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
	}
}

func (b BuildInfo) String() string {
	return fmt.Sprintf("%s (commit: %s, built: %s, go: %s)", b.Version, b.GitCommit, b.BuildDate, b.GoVersion)
}
