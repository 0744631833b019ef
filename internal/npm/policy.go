package npm

import (
	"github.com/Masterminds/semver/v3"

	"github.com/git-pkgs/pkgserver/internal/core"
)

// LatestPolicy decides which version becomes "latest" after the current one is removed,
// and how version lists are ordered.
type LatestPolicy string

const (
	// LatestLexical compares version strings byte-wise, so "2.0.0" > "10.0.0".
	LatestLexical LatestPolicy = "lexical"
	// LatestSemver compares by semantic version. Strings that do not parse rank below
	// every valid version and are compared lexically among themselves.
	LatestSemver LatestPolicy = "semver"
)

// ParseLatestPolicy accepts "lexical", "semver" or "" (lexical).
func ParseLatestPolicy(s string) (LatestPolicy, error) {
	switch LatestPolicy(s) {
	case "", LatestLexical:
		return LatestLexical, nil
	case LatestSemver:
		return LatestSemver, nil
	}
	return "", &core.InvalidInputError{Field: "latest policy", Value: s, Reason: "must be lexical or semver"}
}

// Less reports whether a orders before b.
func (p LatestPolicy) Less(a, b string) bool {
	if p != LatestSemver {
		return a < b
	}
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	switch {
	case errA != nil && errB != nil:
		return a < b
	case errA != nil:
		return true
	case errB != nil:
		return false
	}
	if c := va.Compare(vb); c != 0 {
		return c < 0
	}
	return a < b
}

// Greatest returns the maximum of versions, or "" for an empty list.
func (p LatestPolicy) Greatest(versions []string) string {
	var best string
	for i, v := range versions {
		if i == 0 || p.Less(best, v) {
			best = v
		}
	}
	return best
}
