package cargo

import (
	"strings"

	"github.com/Masterminds/semver/v3"
)

const crateExt = ".crate"

// Filename is the on-disk name of a crate archive.
func Filename(name, version string) string {
	return name + "-" + version + crateExt
}

// ParseFilename splits "<name>-<version>.crate". Crate names may contain "-<digit>" themselves
// ("sha-1") and versions may too ("1.0.0-2"), so the split is the first hyphen followed by a digit
// whose remainder is a full semantic version. Without one it falls back to the last such hyphen.
func ParseFilename(filename string) (name, version string, ok bool) {
	base, found := strings.CutSuffix(filename, crateExt)
	if !found {
		return "", "", false
	}
	last := -1
	for i := 1; i < len(base)-1; i++ {
		if base[i] != '-' || base[i+1] < '0' || base[i+1] > '9' {
			continue
		}
		if _, err := semver.StrictNewVersion(base[i+1:]); err == nil {
			return base[:i], base[i+1:], true
		}
		last = i
	}
	if last < 0 {
		return "", "", false
	}
	return base[:last], base[last+1:], true
}
