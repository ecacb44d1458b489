// Package version exposes build version information for trendmill.
package version

import "fmt"

// Set at build time via -ldflags "-X github.com/trendmill/trendmill/internal/version.version=..."
var (
	version = "dev"
	commit  = "unknown"
)

// Info describes the running build.
type Info struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// Get returns the current build info.
func Get() Info {
	return Info{Version: version, Commit: commit}
}

// Short returns a compact human-readable version string.
func (i Info) Short() string {
	if i.Commit == "unknown" {
		return i.Version
	}
	c := i.Commit
	if len(c) > 8 {
		c = c[:8]
	}
	return fmt.Sprintf("%s (%s)", i.Version, c)
}
