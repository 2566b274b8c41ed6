package config

import "fmt"

// Set at link time:
//
//	go build -ldflags "-X odds/internal/config.version=$(git describe --tags) \
//	    -X odds/internal/config.commit=$(git rev-parse --short HEAD)"
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// NewBuildInfo returns the linker-injected build metadata.
func NewBuildInfo() BuildInfo {
	return BuildInfo{
		Version:   version,
		Commit:    commit,
		BuildTime: buildTime,
	}
}

// UserAgent identifies odds to Birdhouse, e.g. "odds/1.4.0 (3f2c1aa)".
// Development builds report "odds/dev".
func (b BuildInfo) UserAgent() string {
	if b.Version == "" || b.Version == "dev" {
		return "odds/dev"
	}
	if b.Commit == "" || b.Commit == "none" {
		return "odds/" + b.Version
	}
	return fmt.Sprintf("odds/%s (%s)", b.Version, b.Commit)
}
