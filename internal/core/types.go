// Package core provides shared types, the error taxonomy and the registry capability interface.
package core

import (
	"fmt"
	"io"
	"time"
)

// Ecosystem identifies one of the package protocols served by the registry.
// The set is closed: npm, pypi and cargo.
type Ecosystem string

const (
	NPM   Ecosystem = "npm"
	PyPI  Ecosystem = "pypi"
	Cargo Ecosystem = "cargo"
)

// Ecosystems returns every supported ecosystem in a stable order.
func Ecosystems() []Ecosystem {
	return []Ecosystem{Cargo, NPM, PyPI}
}

// ParseEcosystem converts a tag such as "npm" into an Ecosystem.
func ParseEcosystem(s string) (Ecosystem, error) {
	switch Ecosystem(s) {
	case NPM, PyPI, Cargo:
		return Ecosystem(s), nil
	}
	return "", &InvalidInputError{Field: "ecosystem", Value: s, Reason: "unsupported ecosystem"}
}

func (e Ecosystem) String() string {
	return string(e)
}

// Version describes one stored version of a package.
type Version struct {
	Number   string
	Locator  string // tarball URL (npm), artifact filename (pypi, cargo)
	Checksum string // sha1 hex for npm, sha256 hex otherwise
	Size     int64  // 0 when the artifact is not present locally
	Status   VersionStatus
}

// VersionStatus represents the status of a package version.
type VersionStatus string

const (
	StatusNone   VersionStatus = ""
	StatusYanked VersionStatus = "yanked"
)

// RecentPackage is a (name, version) pair ordered by modification time.
type RecentPackage struct {
	Name    string
	Version string
}

// UploadMetadata carries the ecosystem-specific hints that accompany an upload payload.
// Cargo reads everything from the payload itself. PyPI needs Filename.
// npm needs nothing for a publish document, or Name and Version for a raw tarball.
type UploadMetadata struct {
	Name     string
	Version  string
	Filename string
}

// UploadResult reports what was persisted by an upload.
type UploadResult struct {
	Ecosystem Ecosystem
	Name      string
	Version   string
	Filename  string
	Checksum  string
	Size      int64
}

// DeleteResult lists the files and index entries touched by a deletion.
// Warnings holds per-file failures that did not abort the operation.
type DeleteResult struct {
	Removed  []string
	Yanked   bool
	Warnings error
}

// Source tells where a downloaded artifact came from.
type Source string

const (
	SourceLocal    Source = "local"
	SourceUpstream Source = "upstream"
)

// Artifact is a streamed package file. The caller must close Body.
type Artifact struct {
	Body     io.ReadCloser
	Size     int64 // -1 if unknown
	Filename string
	Source   Source
}

// Summary is a per-ecosystem overview used by dashboards and the CLI.
type Summary struct {
	Ecosystem Ecosystem
	Count     int
	Recent    []RecentPackage
	Took      time.Duration
}

func (s Summary) String() string {
	return fmt.Sprintf("%s: %d packages", s.Ecosystem, s.Count)
}
