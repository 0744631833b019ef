// Package storage owns the on-disk layout of the registry data root: directory structure,
// atomic writes, per-package locks and directory scans.
//
// The layout is fixed for client compatibility:
//
//	cargo/crates/<name>-<version>.crate
//	cargo/index/<shard>
//	npm/tarballs/<name>-<version>.tgz
//	npm/metadata/<name>.json
//	pypi/packages/<file>.whl|.tar.gz (+ .meta sidecar)
package storage

import (
	"os"
	"path/filepath"

	"github.com/git-pkgs/pkgserver/internal/core"
)

// Layout resolves registry paths beneath a data root.
type Layout struct {
	Root string
}

// NewLayout returns a Layout rooted at root. Call Init to create the directories.
func NewLayout(root string) *Layout {
	return &Layout{Root: filepath.Clean(root)}
}

func (l *Layout) CargoCrates() string { return filepath.Join(l.Root, "cargo", "crates") }
func (l *Layout) CargoIndex() string { return filepath.Join(l.Root, "cargo", "index") }
func (l *Layout) NPMTarballs() string { return filepath.Join(l.Root, "npm", "tarballs") }
func (l *Layout) NPMMetadata() string { return filepath.Join(l.Root, "npm", "metadata") }
func (l *Layout) PyPIPackages() string { return filepath.Join(l.Root, "pypi", "packages") }
func (l *Layout) Locks() string { return filepath.Join(l.Root, ".locks") }

// Init creates every directory of the layout.
func (l *Layout) Init() error {
	for _, dir := range []string{
		l.CargoCrates(), l.CargoIndex(), l.NPMTarballs(), l.NPMMetadata(), l.PyPIPackages(), l.Locks(),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return &core.StorageError{Op: "mkdir", Path: dir, Err: err}
		}
	}
	return nil
}

// Rel reports path relative to the data root, with forward slashes, for logs and results.
func (l *Layout) Rel(path string) string {
	rel, err := filepath.Rel(l.Root, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}
