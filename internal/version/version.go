// Package version carries build metadata stamped via -ldflags.
package version

import "fmt"

var (
	// Version is the semantic version of the binary.
	Version = "dev"
	// Commit is the git commit hash.
	Commit = "unknown"
	// BuildDate is the build timestamp.
	BuildDate = "unknown"
)

// String renders the full build identity on one line.
func String() string {
	return fmt.Sprintf("affiliate-sentinel %s (%s, built %s)", Version, Commit, BuildDate)
}
