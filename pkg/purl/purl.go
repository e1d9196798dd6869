// Package purl generates package URLs (https://github.com/package-url/purl-spec)
// identifying a PyPI project or a specific release as an ecosystem-agnostic
// package identifier; the blob store records a release's purl in each
// artifact's object metadata.
package purl

import (
	"strings"

	packageurl "github.com/package-url/packageurl-go"
)

// Project returns a purl identifying name with no version qualifier, e.g.
// pkg:pypi/requests.
func Project(name string) string {
	p := packageurl.NewPackageURL(packageurl.TypePyPi, "", normalize(name), "", nil, "")
	return p.ToString()
}

// Release returns a purl identifying a specific version of name, e.g.
// pkg:pypi/requests@2.31.0.
func Release(name, version string) string {
	p := packageurl.NewPackageURL(packageurl.TypePyPi, "", normalize(name), version, nil, "")
	return p.ToString()
}

// normalize applies PEP 503's project-name normalization: runs of
// -, _, or . collapse to a single "-", lowercased. PyPI purls use the
// normalized name as the purl "name" component.
func normalize(name string) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(name) {
		if r == '-' || r == '_' || r == '.' {
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
			continue
		}
		b.WriteRune(r)
		lastDash = false
	}
	return b.String()
}
