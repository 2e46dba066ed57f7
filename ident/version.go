package ident

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// looseVersionRe accepts version strings that are version-like but not valid
// semver, e.g. "2024a" or "1.2.3.4". Dotted numeric segments with an optional
// pre-release tag.
var looseVersionRe = regexp.MustCompile(`^[0-9][0-9A-Za-z.]*(-[0-9A-Za-z.-]+)?$`)

// ValidateVersion accepts semantic versions plus the looser dotted-numeric
// forms packages actually carry. Strict semver is checked first so that
// well-formed versions get the stricter validation.
func ValidateVersion(v string) error {
	if _, err := semver.NewVersion(v); err == nil {
		return nil
	}
	if !looseVersionRe.MatchString(v) {
		return fmt.Errorf("identifier version %q is malformed", v)
	}
	return nil
}

// CompareVersions compares two version strings by semantic precedence:
// numeric components compare numerically, and for equal numeric value a bare
// version orders before one carrying a pre-release tag; pre-release tags
// compare lexicographically with each other.
func CompareVersions(a, b string) int {
	aCore, aPre := splitPrerelease(a)
	bCore, bPre := splitPrerelease(b)

	if c := compareCore(aCore, bCore); c != 0 {
		return c
	}

	switch {
	case aPre == "" && bPre == "":
		return 0
	case aPre == "":
		return -1
	case bPre == "":
		return 1
	default:
		return strings.Compare(aPre, bPre)
	}
}

// splitPrerelease splits "1.2.0-rc.1" into ("1.2.0", "rc.1"). Versions that
// parse as strict semver use the parser's notion of the pre-release boundary;
// the rest split on the first hyphen.
func splitPrerelease(v string) (core, pre string) {
	if sv, err := semver.StrictNewVersion(v); err == nil {
		core = fmt.Sprintf("%d.%d.%d", sv.Major(), sv.Minor(), sv.Patch())
		return core, sv.Prerelease()
	}
	if i := strings.IndexByte(v, '-'); i >= 0 {
		return v[:i], v[i+1:]
	}
	return v, ""
}

// compareCore compares dotted version cores segment by segment. Numeric
// segments compare numerically; anything else falls back to lexicographic
// comparison of that segment. A missing segment counts as zero, so "1.2"
// equals "1.2.0".
func compareCore(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")

	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		av, bv := "0", "0"
		if i < len(as) {
			av = as[i]
		}
		if i < len(bs) {
			bv = bs[i]
		}

		an, aerr := strconv.ParseUint(av, 10, 64)
		bn, berr := strconv.ParseUint(bv, 10, 64)
		switch {
		case aerr == nil && berr == nil:
			if an != bn {
				if an < bn {
					return -1
				}
				return 1
			}
		case aerr == nil:
			return -1 // numeric sorts before non-numeric
		case berr == nil:
			return 1
		default:
			if c := strings.Compare(av, bv); c != 0 {
				return c
			}
		}
	}
	return 0
}
