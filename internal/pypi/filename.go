package pypi

import (
	"regexp"
	"strings"
)

const (
	wheelExt   = ".whl"
	sdistExt   = ".tar.gz"
	sidecarExt = ".meta"
)

var separatorRuns = regexp.MustCompile(`[-_.]+`)

// Normalize returns the PEP 503 form of a project name: lowercase, with every run of
// '-', '_' and '.' collapsed into a single '-'.
func Normalize(name string) string {
	return separatorRuns.ReplaceAllString(strings.ToLower(name), "-")
}

// IsDistribution reports whether filename is a wheel or a source distribution.
func IsDistribution(filename string) bool {
	return strings.HasSuffix(filename, wheelExt) || strings.HasSuffix(filename, sdistExt)
}

// SidecarName is the checksum file stored next to filename.
func SidecarName(filename string) string {
	return filename + sidecarExt
}

func versionStart(s string) bool {
	return s != "" && (s[0] >= '0' && s[0] <= '9' || s[0] == 'v')
}

// ParseFilename extracts the project name and version from a distribution filename.
// Wheels ("name-1.0-py3-none-any.whl") split at the first '-' that starts a version,
// source distributions ("name-1.0.tar.gz") at the last. The name is returned as written
// in the filename, with underscores turned into hyphens.
func ParseFilename(filename string) (name, version string, ok bool) {
	switch {
	case strings.HasSuffix(filename, wheelExt):
		parts := strings.Split(strings.TrimSuffix(filename, wheelExt), "-")
		for i := 1; i < len(parts); i++ {
			if parts[i] != "" && parts[i][0] >= '0' && parts[i][0] <= '9' {
				name = strings.Join(parts[:i], "-")
				return strings.ReplaceAll(name, "_", "-"), parts[i], name != ""
			}
		}
	case strings.HasSuffix(filename, sdistExt):
		stem := strings.TrimSuffix(filename, sdistExt)
		i := strings.LastIndex(stem, "-")
		if i > 0 && versionStart(stem[i+1:]) {
			return stem[:i], stem[i+1:], true
		}
	}
	return "", "", false
}

// nameForms lists the spellings a project name can take at the start of a filename.
func nameForms(name string) []string {
	normalized := Normalize(name)
	forms := []string{name}
	for _, f := range []string{normalized, strings.ReplaceAll(normalized, "-", "_")} {
		if f != name {
			forms = append(forms, f)
		}
	}
	return forms
}

// MatchesVersion reports whether filename is a distribution of exactly name and version.
// The "name-version" prefix must be followed by nothing, '.' or '-', so version 1.0.1 never
// matches a 1.0.10 file.
func MatchesVersion(filename, name, version string) bool {
	if !IsDistribution(filename) {
		return false
	}
	for _, form := range nameForms(name) {
		prefix := form + "-" + version
		if len(filename) < len(prefix) || !strings.EqualFold(filename[:len(prefix)], prefix) {
			continue
		}
		rest := filename[len(prefix):]
		if rest == "" || rest[0] == '.' || rest[0] == '-' {
			return true
		}
	}
	return false
}
