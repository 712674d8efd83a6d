// Package version provides a single source of truth for the sentinel version.
// Version can be set at build time via ldflags: -ldflags '-X github.com/invisible-tech/integrity-sentinel/internal/version.Version=1.2.3'
package version

// Version is set at build time; default for local builds.
var Version = "0.3.0"

// UserAgent identifies the daemon in HTTP responses and startup logs.
func UserAgent() string {
	return "integrity-sentinel/" + Version
}
