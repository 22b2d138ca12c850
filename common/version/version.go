// Package version exposes build-time version metadata.
package version

// Set at build time via -ldflags "-X ...".
var (
	// Version is the semantic version.
	Version = "v0.0.0-dev"

	// GitCommit is the git commit hash.
	GitCommit = "unknown"

	// BuildTime is the build timestamp.
	BuildTime = "unknown"
)

// Info returns the full human-readable version line.
func Info() string {
	return Version + " (" + GitCommit + ") built at " + BuildTime
}

// Short returns just the semantic version.
func Short() string {
	return Version
}
