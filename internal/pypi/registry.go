// Package pypi implements the PyPI side of the registry. There is no index file: the flat
// directory of wheels and source distributions is the index, and identity comes from filenames.
package pypi

import (
	"context"
	"errors"
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

// maxProjectSize bounds upstream JSON API documents.
const maxProjectSize = 32 << 20

const ecosystem = core.PyPI

type Registry struct {
	layout      *storage.Layout
	locks       *storage.Locker
	upstream    *fetch.Upstream
	logger      *log.Logger
	cacheOnRead bool
}

// Option configures a Registry.
type Option func(*Registry)

func WithLocker(l *storage.Locker) Option {
	return func(r *Registry) {
		r.locks = l
	}
}

// WithUpstream enables fallback to pypi.org for files missing locally.
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

func (r *Registry) file(filename string) string {
	return filepath.Join(r.layout.PyPIPackages(), filename)
}

func (r *Registry) distributions() ([]storage.FileInfo, error) {
	return storage.ListFiles(r.layout.PyPIPackages(), storage.HasSuffix(wheelExt, sdistExt))
}

// parse is ParseFilename with the name normalized, the form used for grouping.
func parse(filename string) (string, string, bool) {
	name, version, ok := ParseFilename(filename)
	if !ok {
		return "", "", false
	}
	return Normalize(name), version, true
}

func (r *Registry) Count(ctx context.Context) (int, error) {
	names, err := r.ListAll(ctx)
	if err != nil {
		return 0, err
	}
	return len(names), nil
}

// ListAll returns the normalized names of stored projects, sorted.
func (r *Registry) ListAll(ctx context.Context) ([]string, error) {
	files, err := r.distributions()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var names []string
	for _, f := range files {
		name, _, ok := parse(f.Name)
		if !ok || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Versions lists every stored file of the project, one entry per file, newest version
// first. A version with several wheels appears several times with different locators.
func (r *Registry) Versions(ctx context.Context, name string) ([]core.Version, error) {
	if err := validate.PackageName(name, ecosystem); err != nil {
		return nil, err
	}
	files, err := r.distributions()
	if err != nil {
		return nil, err
	}

	want := Normalize(name)
	var versions []core.Version
	for _, f := range files {
		fileName, version, ok := parse(f.Name)
		if !ok || fileName != want {
			continue
		}
		versions = append(versions, core.Version{
			Number:   version,
			Locator:  f.Name,
			Checksum: r.checksum(f),
			Size:     f.Size,
		})
	}
	if len(versions) == 0 {
		return nil, &core.NotFoundError{Ecosystem: ecosystem, Name: name}
	}
	sort.Slice(versions, func(i, j int) bool {
		return versions[i].Locator < versions[j].Locator
	})
	core.SortVersionsDesc(versions)
	return versions, nil
}

// checksum reads the sidecar of f, hashing the file itself when the sidecar is missing.
func (r *Registry) checksum(f storage.FileInfo) string {
	if data, err := storage.ReadFile(r.file(SidecarName(f.Name))); err == nil {
		if sum := strings.TrimSpace(string(data)); sum != "" {
			return sum
		}
	}
	sum, err := storage.SHA256File(f.Path)
	if err != nil {
		r.logger.Warn("cannot hash distribution", "file", f.Name, "err", err)
		return ""
	}
	return sum
}

// Recent returns the most recently stored projects, each once with its newest upload.
func (r *Registry) Recent(ctx context.Context, limit int) ([]core.RecentPackage, error) {
	files, err := r.distributions()
	if err != nil {
		return nil, err
	}
	return storage.Recent(files, limit, true, parse), nil
}

// Download streams a distribution file. ref is the filename; name is only used to look the
// file up upstream through the project's JSON API.
func (r *Registry) Download(ctx context.Context, name, ref string) (*core.Artifact, error) {
	if err := validate.PackageName(name, ecosystem); err != nil {
		return nil, err
	}
	if err := validate.Filename(ref); err != nil {
		return nil, err
	}
	if !IsDistribution(ref) {
		return nil, &core.InvalidInputError{Field: "filename", Value: ref, Reason: "not a wheel or source distribution"}
	}
	path := r.file(ref)

	f, size, err := storage.Open(path)
	if err == nil {
		metrics.Download(ecosystem.String(), string(core.SourceLocal))
		return &core.Artifact{Body: f, Size: size, Filename: ref, Source: core.SourceLocal}, nil
	}
	if !storage.IsNotExist(err) {
		return nil, err
	}
	if !r.upstream.Enabled() {
		return nil, &core.NotFoundError{Ecosystem: ecosystem, Name: name, Version: ref}
	}

	r.logger.Debug("file not stored locally, trying upstream", "project", name, "file", ref)
	url, err := r.upstream.PyPIFileURL(ctx, name, ref, maxProjectSize)
	if err == nil {
		var resp *fetch.Response
		if resp, err = r.upstream.Open(ctx, ecosystem, url); err == nil {
			return r.upstreamArtifact(resp, path, ref)
		}
	}
	if errors.Is(err, core.ErrNotFound) {
		return nil, &core.NotFoundError{Ecosystem: ecosystem, Name: name, Version: ref}
	}
	r.logger.Warn("upstream fetch failed", "project", name, "file", ref, "err", err)
	return nil, err
}

func (r *Registry) upstreamArtifact(resp *fetch.Response, path, filename string) (*core.Artifact, error) {
	body := resp.Body
	if r.cacheOnRead {
		var err error
		body, err = storage.TeeToFile(resp.Body, path, func(committed bool, err error) {
			if err != nil {
				r.logger.Warn("caching distribution failed", "file", filename, "err", err)
			} else if committed {
				r.logger.Info("cached distribution from upstream", "file", filename)
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

// Upload stores a distribution under meta.Filename together with its sha256 sidecar.
// Uploading a filename that already exists is a conflict.
func (r *Registry) Upload(ctx context.Context, data []byte, meta core.UploadMetadata) (*core.UploadResult, error) {
	filename := meta.Filename
	if err := validate.Filename(filename); err != nil {
		return nil, err
	}
	if !IsDistribution(filename) {
		return nil, &core.InvalidInputError{Field: "filename", Value: filename, Reason: "must end in .whl or .tar.gz"}
	}
	name, version, ok := ParseFilename(filename)
	if !ok {
		return nil, &core.InvalidInputError{Field: "filename", Value: filename, Reason: "cannot determine project name and version"}
	}
	if err := validate.PackageName(name, ecosystem); err != nil {
		return nil, err
	}
	if err := validate.Version(version); err != nil {
		return nil, err
	}
	if meta.Name != "" && Normalize(meta.Name) != Normalize(name) {
		return nil, &core.InvalidInputError{Field: "filename", Value: filename, Reason: "does not belong to project " + meta.Name}
	}
	if meta.Version != "" && meta.Version != version {
		return nil, &core.InvalidInputError{Field: "filename", Value: filename, Reason: "does not match version " + meta.Version}
	}
	if err := validate.PackageFile(data, filename); err != nil {
		return nil, err
	}

	unlock, err := r.locks.Lock(ctx, ecosystem, Normalize(name))
	if err != nil {
		return nil, err
	}
	defer unlock()

	path := r.file(filename)
	if storage.Exists(path) {
		return nil, &core.ConflictError{Ecosystem: ecosystem, Name: name, Version: version, Reason: "file " + filename + " already exists"}
	}
	sum := storage.SHA256Hex(data)
	if err := storage.WriteFile(path, data); err != nil {
		return nil, err
	}
	if err := storage.WriteFile(r.file(SidecarName(filename)), []byte(sum)); err != nil {
		_ = storage.Remove(path)
		return nil, err
	}

	metrics.Upload(ecosystem.String())
	r.logger.Info("uploaded distribution", "project", name, "version", version, "file", filename, "size", len(data))
	return &core.UploadResult{
		Ecosystem: ecosystem,
		Name:      Normalize(name),
		Version:   version,
		Filename:  filename,
		Checksum:  sum,
		Size:      int64(len(data)),
	}, nil
}

// DeleteVersion removes every file of version together with its sidecar. PyPI has no
// soft delete, so force changes nothing.
func (r *Registry) DeleteVersion(ctx context.Context, name, version string, _ bool) (*core.DeleteResult, error) {
	if err := validate.Version(version); err != nil {
		return nil, err
	}
	return r.deleteMatching(ctx, name, "version", func(filename string) bool {
		return MatchesVersion(filename, name, version)
	}, &core.NotFoundError{Ecosystem: ecosystem, Name: name, Version: version})
}

// DeleteAll removes every file whose parsed project name normalizes to name.
func (r *Registry) DeleteAll(ctx context.Context, name string) (*core.DeleteResult, error) {
	want := Normalize(name)
	return r.deleteMatching(ctx, name, "all", func(filename string) bool {
		fileName, _, ok := parse(filename)
		return ok && fileName == want
	}, &core.NotFoundError{Ecosystem: ecosystem, Name: name})
}

// deleteMatching removes the selected distributions and their sidecars. Failures are collected
// as warnings; the call fails only when no distribution could be removed.
func (r *Registry) deleteMatching(ctx context.Context, name, mode string, match func(string) bool, notFound error) (*core.DeleteResult, error) {
	if err := validate.PackageName(name, ecosystem); err != nil {
		return nil, err
	}
	unlock, err := r.locks.Lock(ctx, ecosystem, Normalize(name))
	if err != nil {
		return nil, err
	}
	defer unlock()

	files, err := r.distributions()
	if err != nil {
		return nil, err
	}

	var (
		result core.DeleteResult
		errs   *multierror.Error
	)
	for _, f := range files {
		if !match(f.Name) {
			continue
		}
		if err := storage.Remove(f.Path); err != nil {
			if !storage.IsNotExist(err) {
				r.logger.Warn("failed to delete file", "file", f.Name, "err", err)
				errs = multierror.Append(errs, err)
			}
			continue
		}
		result.Removed = append(result.Removed, r.layout.Rel(f.Path))

		sidecar := r.file(SidecarName(f.Name))
		if err := storage.Remove(sidecar); err == nil {
			result.Removed = append(result.Removed, r.layout.Rel(sidecar))
		} else if !storage.IsNotExist(err) {
			r.logger.Warn("failed to delete checksum file", "file", sidecar, "err", err)
			errs = multierror.Append(errs, err)
		}
	}

	if len(result.Removed) == 0 {
		if err := errs.ErrorOrNil(); err != nil {
			return nil, err
		}
		return nil, notFound
	}
	result.Warnings = errs.ErrorOrNil()
	metrics.Deletion(ecosystem.String(), mode)
	r.logger.Info("deleted distributions", "project", name, "mode", mode, "files", len(result.Removed))
	return &result, nil
}
