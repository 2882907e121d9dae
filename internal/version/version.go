// Package version provides build version information for the application.
// This is a separate package to avoid import cycles between cli, api and server packages.
package version

// Version is the build version string, set by ldflags during build.
// Format: vX.Y.Z or vX.Y.Z-dev for development builds.
var Version = "v1.2.0"

// BuildTime is the build timestamp, set by ldflags during build.
var BuildTime = "unknown"

// UserAgent is sent on every request to the transfer server and object store.
func UserAgent() string {
	return "score-int/" + Version
}
