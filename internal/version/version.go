// Package version reports the build identity of the devloop binary. Values
// are injected with -ldflags at release time and fall back to the VCS
// settings the Go toolchain embeds.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"time"
)

// These variables are set at build time using -ldflags
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// BuildInfo contains version and build information
type BuildInfo struct {
	Version   string    `json:"version" yaml:"version"`
	GitCommit string    `json:"git_commit" yaml:"git_commit"`
	BuildTime time.Time `json:"build_time" yaml:"build_time"`
	GoVersion string    `json:"go_version" yaml:"go_version"`
	Platform  string    `json:"platform" yaml:"platform"`
	Dirty     bool      `json:"dirty" yaml:"dirty"`
}

var (
	vcsOnce     sync.Once
	vcsSettings map[string]string
	mainVersion string
)

func readVCS() {
	vcsOnce.Do(func() {
		vcsSettings = make(map[string]string)
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}
		mainVersion = info.Main.Version
		for _, s := range info.Settings {
			vcsSettings[s.Key] = s.Value
		}
	})
}

// Get returns the build information of the running binary.
func Get() *BuildInfo {
	readVCS()
	return &BuildInfo{
		Version:   GetVersion(),
		GitCommit: GetGitCommit(),
		BuildTime: parseBuildTime(BuildTime),
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
		Dirty:     vcsSettings["vcs.modified"] == "true",
	}
}

// GetVersion returns the application version
func GetVersion() string {
	if Version != "" && Version != "dev" {
		return Version
	}

	readVCS()
	if mainVersion != "" && mainVersion != "(devel)" {
		return mainVersion
	}
	if rev := vcsSettings["vcs.revision"]; len(rev) >= 7 {
		return "dev-" + rev[:7]
	}

	return "dev"
}

// GetGitCommit returns the git commit hash
func GetGitCommit() string {
	if GitCommit != "" && GitCommit != "unknown" {
		return GitCommit
	}

	readVCS()
	if rev := vcsSettings["vcs.revision"]; rev != "" {
		return rev
	}

	return "unknown"
}

// String renders the build information one field per line.
func (b *BuildInfo) String() string {
	parts := []string{"Version: " + b.Version}
	if b.GitCommit != "unknown" {
		commit := b.GitCommit
		if b.Dirty {
			commit += " (dirty)"
		}
		parts = append(parts, "Commit: "+commit)
	}
	if !b.BuildTime.IsZero() {
		parts = append(parts, "Built: "+b.BuildTime.Format(time.RFC3339))
	}
	parts = append(parts, fmt.Sprintf("Go: %s", b.GoVersion), fmt.Sprintf("Platform: %s", b.Platform))

	return strings.Join(parts, "\n")
}

// parseBuildTime accepts the timestamp formats release scripts emit and
// returns the zero time for anything else.
func parseBuildTime(s string) time.Time {
	if s == "" || s == "unknown" {
		return time.Time{}
	}

	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}

	return time.Time{}
}
