// Package cargo implements the Cargo side of the registry: crate storage, the sparse index,
// publish payload decoding and yank/delete handling.
package cargo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/hashicorp/go-multierror"

	"github.com/git-pkgs/pkgserver/fetch"
	"github.com/git-pkgs/pkgserver/internal/core"
	"github.com/git-pkgs/pkgserver/internal/metrics"
	"github.com/git-pkgs/pkgserver/internal/storage"
	"github.com/git-pkgs/pkgserver/internal/validate"
)

// maxIndexSize bounds upstream index files. The largest crates.io files are a few hundred KiB.
const maxIndexSize = 10 << 20

const ecosystem = core.Cargo

type Registry struct {
	layout      *storage.Layout
	locks       *storage.Locker
	upstream    *fetch.Upstream
	logger      *log.Logger
	cacheOnRead bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithLocker shares a lock table between registries. By default each Registry has its own.
func WithLocker(l *storage.Locker) Option {
	return func(r *Registry) {
		r.locks = l
	}
}

// WithUpstream enables fallback to crates.io for crates missing locally.
func WithUpstream(u *fetch.Upstream) Option {
	return func(r *Registry) {
		r.upstream = u
	}
}

func WithLogger(l *log.Logger) Option {
	return func(r *Registry) {
		r.logger = l
	}
}

// WithCacheOnRead stores crates fetched from upstream once they were streamed completely.
func WithCacheOnRead(enabled bool) Option {
	return func(r *Registry) {
		r.cacheOnRead = enabled
	}
}

func New(layout *storage.Layout, opts ...Option) *Registry {
	r := &Registry{
		layout:   layout,
		upstream: fetch.Disabled(),
		logger:   log.New(io.Discard),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.locks == nil {
		r.locks = storage.NewLocker(layout.Locks())
	}
	return r
}

func (r *Registry) Ecosystem() core.Ecosystem {
	return ecosystem
}

func (r *Registry) indexFile(name string) string {
	return filepath.Join(r.layout.CargoIndex(), filepath.FromSlash(IndexPath(name)))
}

func (r *Registry) crateFile(name, version string) string {
	return filepath.Join(r.layout.CargoCrates(), Filename(name, version))
}

func (r *Registry) crateFiles() ([]storage.FileInfo, error) {
	return storage.ListFiles(r.layout.CargoCrates(), storage.HasSuffix(crateExt))
}

func checkIdentity(name, version string) error {
	if err := validate.PackageName(name, ecosystem); err != nil {
		return err
	}
	if version == "" {
		return nil
	}
	if err := validate.Version(version); err != nil {
		return err
	}
	return validate.Filename(Filename(name, version))
}

// lock serializes writers of one index file. Index paths ignore case, so the lock does too.
func (r *Registry) lock(ctx context.Context, name string) (func(), error) {
	return r.locks.Lock(ctx, ecosystem, strings.ToLower(name))
}

// indexed reports whether name has an index file. Archives cached from upstream have none.
func (r *Registry) indexed(name string) bool {
	return storage.Exists(r.indexFile(name))
}

// readIndex loads the index of name. A missing file is reported as a NotFoundError.
func (r *Registry) readIndex(name string) (*Index, error) {
	path := r.indexFile(name)
	data, err := storage.ReadFile(path)
	if err != nil {
		if storage.IsNotExist(err) {
			return nil, &core.NotFoundError{Ecosystem: ecosystem, Name: name}
		}
		return nil, err
	}
	idx := ParseIndex(name, data)
	for _, raw := range idx.Corrupt() {
		r.logger.Warn("preserving unparseable index line", "crate", name, "line", raw)
	}
	return idx, nil
}

// writeIndex persists idx, or removes the file once no line is left.
func (r *Registry) writeIndex(name string, idx *Index) error {
	path := r.indexFile(name)
	if idx.Len() == 0 {
		if err := storage.Remove(path); err != nil && !storage.IsNotExist(err) {
			return err
		}
		return nil
	}
	return storage.WriteFile(path, idx.Bytes())
}

// Count returns the number of distinct crates with at least one stored archive.
func (r *Registry) Count(ctx context.Context) (int, error) {
	names, err := r.ListAll(ctx)
	if err != nil {
		return 0, err
	}
	return len(names), nil
}

// ListAll returns the names of published crates, sorted. Archives cached from upstream without
// an index file are not listed.
func (r *Registry) ListAll(ctx context.Context) ([]string, error) {
	files, err := r.crateFiles()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var names []string
	for _, f := range files {
		name, _, ok := ParseFilename(f.Name)
		if !ok || seen[name] {
			continue
		}
		seen[name] = true
		if r.indexed(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Versions lists the versions recorded in the crate's index, newest first. Yanked versions
// are included and flagged.
func (r *Registry) Versions(ctx context.Context, name string) ([]core.Version, error) {
	if err := checkIdentity(name, ""); err != nil {
		return nil, err
	}
	idx, err := r.readIndex(name)
	if err != nil {
		return nil, err
	}

	entries := idx.Entries()
	versions := make([]core.Version, 0, len(entries))
	for _, e := range entries {
		if err := validate.Filename(Filename(name, e.Vers)); err != nil {
			r.logger.Warn("skipping index entry with unsafe version", "crate", name, "vers", e.Vers)
			continue
		}
		v := core.Version{
			Number:   e.Vers,
			Locator:  Filename(name, e.Vers),
			Checksum: e.Cksum,
		}
		if f, size, err := storage.Open(r.crateFile(name, e.Vers)); err == nil {
			v.Size = size
			_ = f.Close()
		}
		if e.Yanked {
			v.Status = core.StatusYanked
		}
		versions = append(versions, v)
	}
	core.SortVersionsDesc(versions)
	return versions, nil
}

// Recent returns the most recently written archives of published crates.
func (r *Registry) Recent(ctx context.Context, limit int) ([]core.RecentPackage, error) {
	files, err := r.crateFiles()
	if err != nil {
		return nil, err
	}
	return storage.Recent(files, limit, false, func(filename string) (string, string, bool) {
		name, version, ok := ParseFilename(filename)
		return name, version, ok && r.indexed(name)
	}), nil
}

// Download streams a crate archive, falling back to crates.io when it is not stored locally.
func (r *Registry) Download(ctx context.Context, name, version string) (*core.Artifact, error) {
	if err := checkIdentity(name, version); err != nil {
		return nil, err
	}
	path := r.crateFile(name, version)
	filename := Filename(name, version)

	f, size, err := storage.Open(path)
	if err == nil {
		metrics.Download(ecosystem.String(), string(core.SourceLocal))
		return &core.Artifact{Body: f, Size: size, Filename: filename, Source: core.SourceLocal}, nil
	}
	if !storage.IsNotExist(err) {
		return nil, err
	}

	if !r.upstream.Enabled() {
		return nil, &core.NotFoundError{Ecosystem: ecosystem, Name: name, Version: version}
	}
	url := r.upstream.Resolver().Crate(name, version)
	r.logger.Debug("crate not stored locally, trying upstream", "crate", name, "vers", version, "url", url)
	resp, err := r.upstream.Open(ctx, ecosystem, url)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, &core.NotFoundError{Ecosystem: ecosystem, Name: name, Version: version}
		}
		r.logger.Warn("upstream fetch failed", "crate", name, "vers", version, "err", err)
		return nil, err
	}

	body := resp.Body
	if r.cacheOnRead {
		body, err = storage.TeeToFile(resp.Body, path, func(committed bool, err error) {
			if err != nil {
				r.logger.Warn("caching crate failed", "file", filename, "err", err)
			} else if committed {
				r.logger.Info("cached crate from upstream", "file", filename)
			}
		})
		if err != nil {
			_ = resp.Body.Close()
			return nil, err
		}
	}
	metrics.Download(ecosystem.String(), string(core.SourceUpstream))
	return &core.Artifact{Body: body, Size: resp.Size, Filename: filename, Source: core.SourceUpstream}, nil
}

// Upload publishes a `cargo publish` payload. The archive is written before the index line
// so an interrupted publish never leaves an entry without its file.
func (r *Registry) Upload(ctx context.Context, data []byte, _ core.UploadMetadata) (*core.UploadResult, error) {
	pub, err := ParsePublish(data)
	if err != nil {
		return nil, err
	}
	name, version := pub.Metadata.Name, pub.Metadata.Vers
	filename := Filename(name, version)
	if err := validate.Filename(filename); err != nil {
		return nil, err
	}
	if err := validate.PackageFile(pub.Crate, filename); err != nil {
		return nil, err
	}

	unlock, err := r.lock(ctx, name)
	if err != nil {
		return nil, err
	}
	defer unlock()

	idx, err := r.readIndex(name)
	if errors.Is(err, core.ErrNotFound) {
		idx, err = ParseIndex(name, nil), nil
	}
	if err != nil {
		return nil, err
	}
	for _, e := range idx.Entries() {
		if e.Name != "" && e.Name != name {
			return nil, &core.ConflictError{Ecosystem: ecosystem, Name: name, Version: version, Reason: fmt.Sprintf("crate is published as %q", e.Name)}
		}
	}
	if idx.Find(version) != nil {
		return nil, &core.ConflictError{Ecosystem: ecosystem, Name: name, Version: version, Reason: "version already published"}
	}

	cksum := storage.SHA256Hex(pub.Crate)
	if err := storage.WriteFile(r.crateFile(name, version), pub.Crate); err != nil {
		return nil, err
	}
	entry := Entry{
		Name:     name,
		Vers:     version,
		Deps:     pub.Metadata.Deps,
		Cksum:    cksum,
		Features: pub.Metadata.Features,
	}
	if err := idx.Append(entry); err != nil {
		return nil, err
	}
	if err := r.writeIndex(name, idx); err != nil {
		return nil, err
	}

	metrics.Upload(ecosystem.String())
	r.logger.Info("published crate", "crate", name, "vers", version, "size", len(pub.Crate))
	return &core.UploadResult{
		Ecosystem: ecosystem,
		Name:      name,
		Version:   version,
		Filename:  filename,
		Checksum:  cksum,
		Size:      int64(len(pub.Crate)),
	}, nil
}

// SetYanked marks or unmarks version as yanked. The archive is kept either way.
func (r *Registry) SetYanked(ctx context.Context, name, version string, yanked bool) error {
	if err := checkIdentity(name, version); err != nil {
		return err
	}
	unlock, err := r.lock(ctx, name)
	if err != nil {
		return err
	}
	defer unlock()

	idx, err := r.readIndex(name)
	if err != nil {
		return err
	}
	if err := idx.SetYanked(version, yanked); err != nil {
		return err
	}
	if err := r.writeIndex(name, idx); err != nil {
		return err
	}

	mode := "yank"
	if !yanked {
		mode = "unyank"
	}
	metrics.Deletion(ecosystem.String(), mode)
	r.logger.Info("updated yank state", "crate", name, "vers", version, "yanked", yanked)
	return nil
}

// DeleteVersion yanks version, or with force removes its index line and archive.
// Removing the last line deletes the index file.
func (r *Registry) DeleteVersion(ctx context.Context, name, version string, force bool) (*core.DeleteResult, error) {
	if !force {
		if err := r.SetYanked(ctx, name, version, true); err != nil {
			return nil, err
		}
		return &core.DeleteResult{Yanked: true}, nil
	}

	if err := checkIdentity(name, version); err != nil {
		return nil, err
	}
	unlock, err := r.lock(ctx, name)
	if err != nil {
		return nil, err
	}
	defer unlock()

	idx, err := r.readIndex(name)
	if err != nil {
		return nil, err
	}
	if err := idx.Remove(version); err != nil {
		return nil, err
	}
	if err := r.writeIndex(name, idx); err != nil {
		return nil, err
	}

	result := &core.DeleteResult{}
	crate := r.crateFile(name, version)
	if err := storage.Remove(crate); err == nil {
		result.Removed = append(result.Removed, r.layout.Rel(crate))
	} else if !storage.IsNotExist(err) {
		r.logger.Warn("index line removed but archive remains", "file", crate, "err", err)
		result.Warnings = multierror.Append(result.Warnings, err)
	}

	metrics.Deletion(ecosystem.String(), "version")
	r.logger.Info("deleted crate version", "crate", name, "vers", version)
	return result, nil
}

// DeleteAll removes the index file and every archive of name. Per-file failures are
// collected as warnings; the call fails only when nothing could be removed.
func (r *Registry) DeleteAll(ctx context.Context, name string) (*core.DeleteResult, error) {
	if err := checkIdentity(name, ""); err != nil {
		return nil, err
	}
	unlock, err := r.lock(ctx, name)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var (
		removed []string
		errs    *multierror.Error
	)
	remove := func(path string) {
		if err := storage.Remove(path); err != nil {
			if !storage.IsNotExist(err) {
				r.logger.Warn("failed to delete file", "file", path, "err", err)
				errs = multierror.Append(errs, err)
			}
			return
		}
		removed = append(removed, r.layout.Rel(path))
	}

	archives := make(map[string]bool)
	if idx, err := r.readIndex(name); err == nil {
		for _, e := range idx.Entries() {
			crate := e.Name
			if crate == "" {
				crate = name
			}
			if validate.Filename(Filename(crate, e.Vers)) == nil {
				archives[filepath.Join(r.layout.CargoCrates(), Filename(crate, e.Vers))] = true
			}
		}
	} else if !errors.Is(err, core.ErrNotFound) {
		errs = multierror.Append(errs, err)
	}
	files, err := r.crateFiles()
	if err != nil {
		errs = multierror.Append(errs, err)
	}
	for _, f := range files {
		if crate, _, ok := ParseFilename(f.Name); ok && strings.EqualFold(crate, name) {
			archives[f.Path] = true
		}
	}

	remove(r.indexFile(name))
	paths := make([]string, 0, len(archives))
	for p := range archives {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		remove(p)
	}

	if len(removed) == 0 {
		if err := errs.ErrorOrNil(); err != nil {
			return nil, err
		}
		return nil, &core.NotFoundError{Ecosystem: ecosystem, Name: name}
	}

	metrics.Deletion(ecosystem.String(), "all")
	r.logger.Info("deleted crate", "crate", name, "files", len(removed))
	return &core.DeleteResult{Removed: removed, Warnings: errs.ErrorOrNil()}, nil
}

// IndexFile returns the raw sparse index file of name. Crates never published here are looked
// up on the upstream index; those files are not stored.
func (r *Registry) IndexFile(ctx context.Context, name string) ([]byte, error) {
	if err := checkIdentity(name, ""); err != nil {
		return nil, err
	}
	data, err := storage.ReadFile(r.indexFile(name))
	if err == nil {
		return data, nil
	}
	if !storage.IsNotExist(err) {
		return nil, err
	}
	if !r.upstream.Enabled() {
		return nil, &core.NotFoundError{Ecosystem: ecosystem, Name: name}
	}

	data, err = r.upstream.Document(ctx, ecosystem, r.upstream.Resolver().CargoIndexFile(IndexPath(name)), maxIndexSize)
	if errors.Is(err, core.ErrNotFound) {
		return nil, &core.NotFoundError{Ecosystem: ecosystem, Name: name}
	}
	return data, err
}
