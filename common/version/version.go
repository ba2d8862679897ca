// Package version holds build metadata injected with -ldflags.
package version

var (
	Version   = "v0.0.0-dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Info renders the build metadata for the startup banner.
func Info() string {
	return "samebot " + Version + " (" + GitCommit + ", built " + BuildTime + ")"
}
