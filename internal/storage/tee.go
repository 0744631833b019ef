package storage

import (
	"io"
	"os"
	"path/filepath"

	"github.com/google/renameio"

	"github.com/git-pkgs/pkgserver/internal/core"
)

// cacheReader streams src to the caller while copying it into a pending file.
// The copy replaces the destination only when src was read to EOF; a partial read
// or a failed write discards it.
type cacheReader struct {
	src     io.ReadCloser
	pending *renameio.PendingFile
	eof     bool
	failed  bool
	done    func(committed bool, err error)
}

// TeeToFile wraps src so that everything read from it is also written to path.
// done, if non-nil, is called from Close with the outcome of the commit.
func TeeToFile(src io.ReadCloser, path string, done func(committed bool, err error)) (io.ReadCloser, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &core.StorageError{Op: "mkdir", Path: dir, Err: err}
	}
	pending, err := renameio.TempFile(dir, path)
	if err != nil {
		return nil, &core.StorageError{Op: "create", Path: path, Err: err}
	}
	if err := pending.Chmod(0o644); err != nil {
		_ = pending.Cleanup()
		return nil, &core.StorageError{Op: "chmod", Path: path, Err: err}
	}
	return &cacheReader{src: src, pending: pending, done: done}, nil
}

func (c *cacheReader) Read(p []byte) (int, error) {
	n, err := c.src.Read(p)
	if n > 0 && !c.failed {
		if _, werr := c.pending.Write(p[:n]); werr != nil {
			c.failed = true
		}
	}
	if err == io.EOF {
		c.eof = true
	}
	return n, err
}

func (c *cacheReader) Close() error {
	srcErr := c.src.Close()
	defer func() { _ = c.pending.Cleanup() }()

	committed := false
	var commitErr error
	if c.eof && !c.failed {
		if commitErr = c.pending.CloseAtomicallyReplace(); commitErr == nil {
			committed = true
		}
	}
	if c.done != nil {
		c.done(committed, commitErr)
	}
	return srcErr
}
