package monitor

import "github.com/pyreposcan/pyreposcan/pkg/pep440"

// validateVersion reports whether a version string extracted from a
// release filename parses as a real version. Filename splitting alone
// (the last "-" before the archive suffix, see
// internal/registry.versionFromFilename) can hand back junk for unusually
// named files; validating here saves the round trip of fetching release
// metadata for a version that cannot exist.
func validateVersion(version string) bool {
	_, err := pep440.Parse(version)
	return err == nil
}
