package version

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseBuildTime(t *testing.T) {
	want := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)

	assert.True(t, parseBuildTime("2024-05-01T12:30:00Z").Equal(want))
	assert.True(t, parseBuildTime("2024-05-01T12:30:00").Equal(want))
	assert.True(t, parseBuildTime("2024-05-01 12:30:00").Equal(want))
	assert.True(t, parseBuildTime("unknown").IsZero())
	assert.True(t, parseBuildTime("yesterday").IsZero())
}

func TestInjectedValuesWin(t *testing.T) {
	oldVersion, oldCommit := Version, GitCommit
	t.Cleanup(func() { Version, GitCommit = oldVersion, oldCommit })

	Version = "v1.2.3"
	GitCommit = "abcdef0123456789"

	info := Get()
	assert.Equal(t, "v1.2.3", info.Version)
	assert.Equal(t, "abcdef0123456789", info.GitCommit)
	assert.Contains(t, info.String(), "Version: v1.2.3")
	assert.Contains(t, info.String(), "Commit: abcdef0123456789")
}

func TestStringOmitsUnknowns(t *testing.T) {
	info := &BuildInfo{Version: "dev", GitCommit: "unknown", GoVersion: "go1.24", Platform: "linux/amd64"}
	out := info.String()

	assert.False(t, strings.Contains(out, "Commit"))
	assert.False(t, strings.Contains(out, "Built"))
	assert.Contains(t, out, "Platform: linux/amd64")
}
