// Package version carries build metadata set with -ldflags -X.
package version

import "fmt"

var (
	// Version is the console release
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// String formats the build metadata for logs and -version.
func String() string {
	return fmt.Sprintf("operator-console %s (%s, built %s)", Version, GitSHA, BuildTime)
}
