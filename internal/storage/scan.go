package storage

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/git-pkgs/pkgserver/internal/core"
)

// FileInfo describes a file found by a scan.
type FileInfo struct {
	Name    string // base name, or slash-separated path relative to the scan root for Walk
	Path    string
	Size    int64
	ModTime time.Time
}

// hidden covers lock files and the pending files of in-flight atomic writes.
func hidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

// ListFiles returns the regular files directly inside dir for which match returns true.
// A missing directory yields an empty list.
func ListFiles(dir string, match func(name string) bool) ([]FileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if IsNotExist(err) {
			return nil, nil
		}
		return nil, &core.StorageError{Op: "readdir", Path: dir, Err: err}
	}

	var files []FileInfo
	for _, e := range entries {
		if e.IsDir() || hidden(e.Name()) {
			continue
		}
		if match != nil && !match(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		files = append(files, FileInfo{
			Name:    e.Name(),
			Path:    filepath.Join(dir, e.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	return files, nil
}

// WalkFiles returns every regular file beneath dir, with Name relative to dir.
func WalkFiles(dir string) ([]FileInfo, error) {
	var files []FileInfo
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if IsNotExist(err) {
				return nil
			}
			return err
		}
		if hidden(d.Name()) && path != dir {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, FileInfo{
			Name:    filepath.ToSlash(rel),
			Path:    path,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, &core.StorageError{Op: "walk", Path: dir, Err: err}
	}
	return files, nil
}

// SortByModTime orders files newest first.
func SortByModTime(files []FileInfo) {
	sort.SliceStable(files, func(i, j int) bool {
		return files[i].ModTime.After(files[j].ModTime)
	})
}

// HasSuffix returns a match function accepting names ending in any of suffixes.
func HasSuffix(suffixes ...string) func(string) bool {
	return func(name string) bool {
		for _, s := range suffixes {
			if strings.HasSuffix(name, s) {
				return true
			}
		}
		return false
	}
}

// Recent turns the newest files into (name, version) pairs. Files are sorted by
// modification time, at most limit*2 of them are examined, and extract decides which
// ones describe a package. With dedupe, only the newest entry per name is kept.
func Recent(files []FileInfo, limit int, dedupe bool, extract func(filename string) (string, string, bool)) []core.RecentPackage {
	if limit <= 0 {
		return nil
	}
	SortByModTime(files)

	recent := make([]core.RecentPackage, 0, limit)
	seen := make(map[string]bool)
	for i, f := range files {
		if i >= limit*2 || len(recent) >= limit {
			break
		}
		name, version, ok := extract(f.Name)
		if !ok {
			continue
		}
		if dedupe {
			if seen[name] {
				continue
			}
			seen[name] = true
		}
		recent = append(recent, core.RecentPackage{Name: name, Version: version})
	}
	return recent
}
