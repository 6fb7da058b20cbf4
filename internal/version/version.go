// Package version holds build-time version information.
package version

import "fmt"

// These values are overridden at build time via ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// String returns a one-line version description.
func String() string {
	return fmt.Sprintf("mas-runtime %s (commit %s, built %s)", Version, GitCommit, BuildDate)
}
