// Package version exposes the build metadata stamped into the binary.
package version

// Injected at build time via -ldflags "-X .../pkg/version.version=...".
//
//nolint:gochecknoglobals // ldflags injection targets
var (
	version = "dev"
	buildID = "dev"
)

// GetVersion returns the release version.
func GetVersion() string {
	return version
}

// GetBuildID returns the build identifier.
func GetBuildID() string {
	return buildID
}

// GetFullVersion returns the version with its build identifier appended.
func GetFullVersion() string {
	return version + " (build: " + buildID + ")"
}
