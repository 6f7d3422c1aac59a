// Package version carries build identification, populated at link time via
// -ldflags "-X github.com/flexion-data/motionstream/internal/version.Version=...".
package version

var (
	// Version is the release version of the binary.
	Version = "dev"
	// GitSHA is the git commit the binary was built from.
	GitSHA = "unknown"
	// BuildTime is the build timestamp.
	BuildTime = "unknown"
)
