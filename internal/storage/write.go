package storage

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/renameio"

	"github.com/git-pkgs/pkgserver/internal/core"
)

// WriteFile replaces path with data atomically. Readers see either the old or the new content.
func WriteFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &core.StorageError{Op: "mkdir", Path: filepath.Dir(path), Err: err}
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return &core.StorageError{Op: "write", Path: path, Err: err}
	}
	return nil
}

// ReadFile reads path. A missing file yields an error matching fs.ErrNotExist.
func ReadFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &core.StorageError{Op: "read", Path: path, Err: err}
	}
	return data, nil
}

// Remove deletes path. Removing a missing file is an error matching fs.ErrNotExist.
func Remove(path string) error {
	if err := os.Remove(path); err != nil {
		return &core.StorageError{Op: "remove", Path: path, Err: err}
	}
	return nil
}

// Exists reports whether path is present.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// IsNotExist reports whether err describes a missing file.
func IsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

// Open opens path for streaming and returns its size.
func Open(path string) (*os.File, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, &core.StorageError{Op: "open", Path: path, Err: err}
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, &core.StorageError{Op: "stat", Path: path, Err: err}
	}
	return f, info.Size(), nil
}

// SHA256Hex returns the hex-encoded sha256 of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SHA1Hex returns the hex-encoded sha1 of data, the npm "shasum".
func SHA1Hex(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}

// SHA256File hashes a file without loading it into memory.
func SHA256File(path string) (string, error) {
	f, _, err := Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", &core.StorageError{Op: "read", Path: path, Err: err}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
