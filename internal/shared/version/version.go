// Package version exposes build information stamped via -ldflags.
package version

var (
	// Version is the release version, "dev" for local builds.
	Version = "dev"
	// Commit is the git revision the binary was built from.
	Commit = "unknown"
)

func String() string {
	return Version + " (" + Commit + ")"
}
