// Package fhir identifies the FHIR release a ViewDefinition targets.
//
// The engine does not ship per-release resource models; it resolves a
// declared fhirVersion string down to one of a small closed set of release
// identifiers, which ViewDefinition validation uses to check declared and
// requested versions. The FHIRPath evaluator does not depend on the release.
package fhir

import "fmt"

// Version identifies a FHIR release.
type Version string

// Supported FHIR releases.
const (
	DSTU3 Version = "DSTU3"
	R4    Version = "R4"
	R4B   Version = "R4B"
	R5    Version = "R5"
)

// String returns the release identifier.
func (v Version) String() string {
	return string(v)
}

// UnsupportedVersionError reports a fhirVersion that cannot be resolved to a
// supported release.
type UnsupportedVersionError struct {
	FhirVersion string
}

// Error implements the error interface.
func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("unsupported fhirVersion %q", e.FhirVersion)
}

// versionPrefixes maps the leading "major.minor" of a declared fhirVersion to
// the release it selects. ViewDefinition authors may supply a full semantic
// version (e.g. "4.0.1"); only the prefix before the second dot is
// significant.
var versionPrefixes = map[string]Version{
	"3.0": DSTU3,
	"4.0": R4,
	"4.3": R4B,
	"5.0": R5,
}

// ResolveVersion maps a ViewDefinition's fhirVersion string to a supported
// release. It returns an *UnsupportedVersionError when the string does not
// match one of the known release prefixes.
func ResolveVersion(fhirVersion string) (Version, error) {
	prefix := majorMinor(fhirVersion)
	if v, ok := versionPrefixes[prefix]; ok {
		return v, nil
	}
	return "", &UnsupportedVersionError{FhirVersion: fhirVersion}
}

// majorMinor returns the "major.minor" prefix of a dotted version string.
func majorMinor(version string) string {
	dots := 0
	for i, r := range version {
		if r == '.' {
			dots++
			if dots == 2 {
				return version[:i]
			}
		}
	}
	return version
}
