package registry

import (
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// CompareVersions returns -1, 0 or 1 as a is older than, equal to or newer
// than b. Strings that are not semver fall back to a numeric comparison of
// their dot-separated major.minor.patch parts.
func CompareVersions(a, b string) int {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	if errA == nil && errB == nil {
		return va.Compare(vb)
	}
	return compareNumeric(a, b)
}

func compareNumeric(a, b string) int {
	pa, pb := numericParts(a), numericParts(b)
	for i := 0; i < 3; i++ {
		switch {
		case pa[i] < pb[i]:
			return -1
		case pa[i] > pb[i]:
			return 1
		}
	}
	return 0
}

func numericParts(v string) [3]int {
	var out [3]int
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	if i := strings.IndexAny(v, "-+"); i >= 0 {
		v = v[:i]
	}
	for i, p := range strings.SplitN(v, ".", 3) {
		n, _ := strconv.Atoi(p)
		out[i] = n
	}
	return out
}

// Satisfies reports whether version falls inside a semver range. Ranges use
// full semver semantics: "^1.2.3" is >=1.2.3 <2.0.0 and "~1.2.3" is
// >=1.2.3 <1.3.0. An empty range, "*" or "latest" matches everything.
// Unparseable input never matches.
func Satisfies(version, constraint string) bool {
	constraint = strings.TrimSpace(constraint)
	if constraint == "" || constraint == "*" || constraint == "latest" {
		return true
	}

	v, err := semver.NewVersion(version)
	if err != nil {
		return false
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return false
	}
	return c.Check(v)
}
