// Package validate holds the pure checks applied before any mutating registry operation.
// Every failure is a *core.InvalidInputError.
package validate

import (
	"path/filepath"
	"strings"
	"unicode"

	"github.com/git-pkgs/pkgserver/internal/core"
)

const (
	MaxUploadSize        = 100 << 20
	MaxRequestBodySize   = 120 << 20
	MaxPackageFileSize   = 80 << 20
	MaxMetadataSize      = 1 << 20
	MaxBase64EncodedSize = 110 << 20
	MaxBase64DecodedSize = 80 << 20
	MaxPackageNameLength = 214
	MaxVersionLength     = 64
	MaxFilenameLength    = 255
	MaxPathDepth         = 10
	CargoHeaderOverhead  = 8
)

var dangerousPatterns = []string{
	"//", `\\`, "~", "$", "`", "|", "&", ";", "<", ">", "(", ")", "{", "}", "[", "]", "*", "?",
}

func invalid(field, value, reason string) error {
	return &core.InvalidInputError{Field: field, Value: value, Reason: reason}
}

func hasControl(s string) bool {
	for _, r := range s {
		if unicode.IsControl(r) {
			return true
		}
	}
	return false
}

func isAlnum(r rune) bool {
	return r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r))
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}

// PackageName checks a package name against the common grammar and the ecosystem's own rules.
func PackageName(name string, eco core.Ecosystem) error {
	if name == "" {
		return invalid("package name", name, "must not be empty")
	}
	if len(name) > MaxPackageNameLength {
		return invalid("package name", name, "longer than 214 characters")
	}
	if hasControl(name) {
		return invalid("package name", "", "contains control characters")
	}
	for _, r := range name {
		if !isAlnum(r) && r != '.' && r != '-' && r != '_' {
			return invalid("package name", name, "only letters, digits, '.', '-' and '_' are allowed")
		}
	}

	switch eco {
	case core.NPM:
		if name[0] == '.' || name[0] == '_' {
			return invalid("package name", name, "npm package names cannot start with . or _")
		}
		if strings.ToLower(name) != name {
			return invalid("package name", name, "npm package names must be lowercase")
		}
	case core.PyPI:
		if isDigit(name[0]) {
			return invalid("package name", name, "PyPI package names cannot start with a digit")
		}
	case core.Cargo:
		if strings.ContainsRune(name, '.') {
			return invalid("package name", name, "crate names may only contain letters, digits, '-' and '_'")
		}
		if isDigit(name[0]) {
			return invalid("package name", name, "crate names cannot start with a digit")
		}
	default:
		return invalid("ecosystem", string(eco), "unsupported ecosystem")
	}
	return nil
}

// Version checks a version string.
func Version(v string) error {
	if v == "" {
		return invalid("version", v, "must not be empty")
	}
	if len(v) > MaxVersionLength {
		return invalid("version", v, "longer than 64 characters")
	}
	if hasControl(v) {
		return invalid("version", "", "contains control characters")
	}
	for _, r := range v {
		if !isAlnum(r) && !strings.ContainsRune(".-_+", r) {
			return invalid("version", v, "only letters, digits, '.', '-', '_' and '+' are allowed")
		}
	}
	return nil
}

// SafePath rejects paths that could escape the data root or be interpreted by a shell.
func SafePath(p string) error {
	if strings.ContainsRune(p, 0) {
		return invalid("path", "", "contains null bytes")
	}
	if hasControl(p) {
		return invalid("path", "", "contains control characters")
	}
	if filepath.IsAbs(p) || strings.HasPrefix(p, "/") {
		return invalid("path", p, "absolute paths are not allowed")
	}
	if strings.Contains(p, "..") {
		return invalid("path", p, "path traversal is not allowed")
	}
	if depth := len(strings.Split(filepath.ToSlash(filepath.Clean(p)), "/")); depth > MaxPathDepth {
		return invalid("path", p, "too many path components")
	}
	for _, pat := range dangerousPatterns {
		if strings.Contains(p, pat) {
			return invalid("path", p, "contains disallowed characters")
		}
	}
	return nil
}

// Filename checks a single artifact filename. Directory separators are rejected.
func Filename(name string) error {
	if name == "" {
		return invalid("filename", name, "must not be empty")
	}
	if len(name) > MaxFilenameLength {
		return invalid("filename", name, "longer than 255 characters")
	}
	if strings.ContainsAny(name, `/\`) {
		return invalid("filename", name, "must not contain path separators")
	}
	return SafePath(name)
}
