// Package ident defines the structured identity of a package and its
// canonical ordering. An identifier is the tuple (origin, name, version,
// release); it is immutable once assigned and never reused.
package ident

import (
	"fmt"
	"regexp"
	"strings"
)

// Ident uniquely and immutably names one artifact.
type Ident struct {
	Origin  string `json:"origin"`
	Name    string `json:"name"`
	Version string `json:"version"`
	Release string `json:"release"`
}

var (
	segmentRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)
	releaseRe = regexp.MustCompile(`^\d{14}$`)
)

// New constructs an Ident and validates it.
func New(origin, name, version, release string) (Ident, error) {
	id := Ident{Origin: origin, Name: name, Version: version, Release: release}
	if err := id.Validate(); err != nil {
		return Ident{}, err
	}
	return id, nil
}

// Parse parses the canonical "origin/name/version/release" form.
func Parse(s string) (Ident, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 4 {
		return Ident{}, fmt.Errorf("identifier %q: want origin/name/version/release", s)
	}
	return New(parts[0], parts[1], parts[2], parts[3])
}

// String returns the canonical "origin/name/version/release" form.
func (id Ident) String() string {
	return id.Origin + "/" + id.Name + "/" + id.Version + "/" + id.Release
}

// Line returns the "origin/name" line the identifier belongs to.
func (id Ident) Line() string {
	return id.Origin + "/" + id.Name
}

// IsZero reports whether the identifier is the zero value.
func (id Ident) IsZero() bool {
	return id == Ident{}
}

// Validate checks each segment of the identifier. Releases are 14-digit
// timestamp strings (YYYYMMDDhhmmss) so that lexicographic order is
// chronological order.
func (id Ident) Validate() error {
	if !segmentRe.MatchString(id.Origin) {
		return fmt.Errorf("identifier origin %q is malformed", id.Origin)
	}
	if !segmentRe.MatchString(id.Name) {
		return fmt.Errorf("identifier name %q is malformed", id.Name)
	}
	if err := ValidateVersion(id.Version); err != nil {
		return err
	}
	if !releaseRe.MatchString(id.Release) {
		return fmt.Errorf("identifier release %q: want 14-digit timestamp", id.Release)
	}
	return nil
}

// Compare orders identifiers canonically: by (origin, name) lexicographically,
// then by version precedence (see CompareVersions), then by release. Releases
// are timestamp-derived and compare lexicographically.
func Compare(a, b Ident) int {
	if c := strings.Compare(a.Origin, b.Origin); c != 0 {
		return c
	}
	if c := strings.Compare(a.Name, b.Name); c != 0 {
		return c
	}
	if c := CompareVersions(a.Version, b.Version); c != 0 {
		return c
	}
	return strings.Compare(a.Release, b.Release)
}
