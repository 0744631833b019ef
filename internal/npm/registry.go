// Package npm implements the npm side of the registry: per-package metadata documents,
// tarball storage, publish merging and version removal.
package npm

import (
	"context"
	"errors"
	"io"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/charmbracelet/log"
	"github.com/hashicorp/go-multierror"

	"github.com/git-pkgs/pkgserver/client"
	"github.com/git-pkgs/pkgserver/fetch"
	"github.com/git-pkgs/pkgserver/internal/core"
	"github.com/git-pkgs/pkgserver/internal/metrics"
	"github.com/git-pkgs/pkgserver/internal/storage"
	"github.com/git-pkgs/pkgserver/internal/validate"
)

// maxDocumentSize bounds upstream documents. Popular packages run into tens of MiB.
const maxDocumentSize = 64 << 20

const ecosystem = core.NPM

type Registry struct {
	layout      *storage.Layout
	locks       *storage.Locker
	upstream    *fetch.Upstream
	logger      *log.Logger
	cacheOnRead bool
	baseURL     string
	policy      LatestPolicy
	now         func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

func WithLocker(l *storage.Locker) Option {
	return func(r *Registry) {
		r.locks = l
	}
}

// WithUpstream enables fallback to the public registry for documents and tarballs missing locally.
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

// WithBaseURL sets the URL tarball links are rewritten to.
func WithBaseURL(base string) Option {
	return func(r *Registry) {
		r.baseURL = base
	}
}

// WithLatestPolicy selects how "latest" is recomputed after a removal.
func WithLatestPolicy(p LatestPolicy) Option {
	return func(r *Registry) {
		r.policy = p
	}
}

func New(layout *storage.Layout, opts ...Option) *Registry {
	r := &Registry{
		layout:   layout,
		upstream: fetch.Disabled(),
		logger:   log.New(io.Discard),
		baseURL:  client.DefaultBaseURL,
		policy:   LatestLexical,
		now:      time.Now,
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

func (r *Registry) metadataFile(name string) string {
	return filepath.Join(r.layout.NPMMetadata(), name+".json")
}

func (r *Registry) tarballFile(filename string) string {
	return filepath.Join(r.layout.NPMTarballs(), filename)
}

// loadDocument reads the stored document of name. A missing file is a NotFoundError.
func (r *Registry) loadDocument(name string) (*Document, error) {
	data, err := storage.ReadFile(r.metadataFile(name))
	if err != nil {
		if storage.IsNotExist(err) {
			return nil, &core.NotFoundError{Ecosystem: ecosystem, Name: name}
		}
		return nil, err
	}
	doc, err := ParseDocument(data)
	if err != nil {
		r.logger.Warn("unreadable metadata document", "package", name, "err", err)
		return nil, &core.StorageError{Op: "decode", Path: r.metadataFile(name), Err: err}
	}
	if doc.Name == "" {
		doc.Name = name
	}
	return doc, nil
}

func (r *Registry) saveDocument(doc *Document) error {
	data, err := doc.Bytes()
	if err != nil {
		return err
	}
	return storage.WriteFile(r.metadataFile(doc.Name), data)
}

func (r *Registry) documents() ([]storage.FileInfo, error) {
	return storage.ListFiles(r.layout.NPMMetadata(), storage.HasSuffix(".json"))
}

func (r *Registry) Count(ctx context.Context) (int, error) {
	files, err := r.documents()
	if err != nil {
		return 0, err
	}
	return len(files), nil
}

// ListAll returns the names of packages with a stored document, sorted.
func (r *Registry) ListAll(ctx context.Context) ([]string, error) {
	files, err := r.documents()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, strings.TrimSuffix(f.Name, ".json"))
	}
	sort.Strings(names)
	return names, nil
}

// Versions lists the versions of name, greatest first. Locator is the tarball URL and
// Size the size of the locally stored tarball, if any.
func (r *Registry) Versions(ctx context.Context, name string) ([]core.Version, error) {
	if err := validate.PackageName(name, ecosystem); err != nil {
		return nil, err
	}
	doc, err := r.loadDocument(name)
	if err != nil {
		return nil, err
	}

	numbers := doc.SortedVersions(r.policy)
	versions := make([]core.Version, 0, len(numbers))
	for _, number := range numbers {
		dist := doc.Versions[number].Dist()
		v := core.Version{Number: number, Locator: dist.Tarball, Checksum: dist.Shasum}
		filename := TarballFilename(name, number)
		if dist.Tarball != "" {
			filename = path.Base(dist.Tarball)
		}
		if validate.Filename(filename) == nil {
			if f, size, err := storage.Open(r.tarballFile(filename)); err == nil {
				v.Size = size
				_ = f.Close()
			}
		}
		versions = append(versions, v)
	}
	return versions, nil
}

// Recent returns the packages whose documents changed most recently, each with its "latest".
func (r *Registry) Recent(ctx context.Context, limit int) ([]core.RecentPackage, error) {
	files, err := r.documents()
	if err != nil {
		return nil, err
	}
	return storage.Recent(files, limit, false, func(filename string) (string, string, bool) {
		name := strings.TrimSuffix(filename, ".json")
		doc, err := r.loadDocument(name)
		if err != nil || doc.Latest() == "" {
			return "", "", false
		}
		return name, doc.Latest(), true
	}), nil
}

// Download streams a tarball. ref is the tarball filename ("left-pad-1.3.0.tgz"),
// not a version.
func (r *Registry) Download(ctx context.Context, name, ref string) (*core.Artifact, error) {
	if err := validate.PackageName(name, ecosystem); err != nil {
		return nil, err
	}
	if err := validate.Filename(ref); err != nil {
		return nil, err
	}
	filePath := r.tarballFile(ref)

	f, size, err := storage.Open(filePath)
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

	url := r.upstream.Resolver().NPMTarball(name, ref)
	r.logger.Debug("tarball not stored locally, trying upstream", "package", name, "file", ref, "url", url)
	resp, err := r.upstream.Open(ctx, ecosystem, url)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, &core.NotFoundError{Ecosystem: ecosystem, Name: name, Version: ref}
		}
		r.logger.Warn("upstream fetch failed", "package", name, "file", ref, "err", err)
		return nil, err
	}

	body := resp.Body
	if r.cacheOnRead {
		body, err = storage.TeeToFile(resp.Body, filePath, func(committed bool, err error) {
			if err != nil {
				r.logger.Warn("caching tarball failed", "file", ref, "err", err)
			} else if committed {
				r.logger.Info("cached tarball from upstream", "file", ref)
			}
		})
		if err != nil {
			_ = resp.Body.Close()
			return nil, err
		}
	}
	metrics.Download(ecosystem.String(), string(core.SourceUpstream))
	return &core.Artifact{Body: body, Size: resp.Size, Filename: ref, Source: core.SourceUpstream}, nil
}

// Upload accepts either an `npm publish` JSON body, or a bare tarball when meta carries
// Name and Version.
func (r *Registry) Upload(ctx context.Context, data []byte, meta core.UploadMetadata) (*core.UploadResult, error) {
	if meta.Version != "" {
		return r.uploadTarball(ctx, data, meta)
	}
	pub, err := ParsePublish(data)
	if err != nil {
		return nil, err
	}
	return r.publish(ctx, pub)
}

func (r *Registry) uploadTarball(ctx context.Context, data []byte, meta core.UploadMetadata) (*core.UploadResult, error) {
	name, version := meta.Name, meta.Version
	if err := validate.PackageName(name, ecosystem); err != nil {
		return nil, err
	}
	if err := validate.Version(version); err != nil {
		return nil, err
	}
	filename := TarballFilename(name, version)
	if err := validate.Filename(filename); err != nil {
		return nil, err
	}
	if err := validate.PackageFile(data, filename); err != nil {
		return nil, err
	}

	manifest, err := NewManifest(name, version)
	if err != nil {
		return nil, err
	}
	doc := NewDocument(name)
	doc.Versions[version] = manifest
	return r.publish(ctx, &Publish{Doc: doc, Attachments: map[string][]byte{filename: data}})
}

// publish merges pub into the stored document. Tarballs are written before the document
// so an interrupted publish never advertises a missing file. Republishing a version
// replaces it.
func (r *Registry) publish(ctx context.Context, pub *Publish) (*core.UploadResult, error) {
	name := pub.Doc.Name

	type stored struct {
		version, filename string
		data              []byte
	}
	var files []stored
	for _, version := range pub.Doc.SortedVersions(r.policy) {
		filename, tarball, err := pub.tarballFor(version)
		if err != nil {
			return nil, err
		}
		files = append(files, stored{version: version, filename: filename, data: tarball})
	}

	unlock, err := r.locks.Lock(ctx, ecosystem, name)
	if err != nil {
		return nil, err
	}
	defer unlock()

	doc, err := r.loadDocument(name)
	if errors.Is(err, core.ErrNotFound) {
		doc, err = NewDocument(name), nil
	}
	if err != nil {
		return nil, err
	}

	now := r.now()
	var result *core.UploadResult
	for _, f := range files {
		if err := storage.WriteFile(r.tarballFile(f.filename), f.data); err != nil {
			return nil, err
		}
		manifest := pub.Doc.Versions[f.version]
		if manifest == nil {
			if manifest, err = NewManifest(name, f.version); err != nil {
				return nil, err
			}
		}
		shasum := storage.SHA1Hex(f.data)
		if err := manifest.SetDist(Dist{Tarball: client.NPMTarballURL(r.baseURL, name, f.filename), Shasum: shasum}); err != nil {
			return nil, err
		}
		doc.AddVersion(f.version, manifest, now)
		if result == nil {
			result = &core.UploadResult{
				Ecosystem: ecosystem,
				Name:      name,
				Version:   f.version,
				Filename:  f.filename,
				Checksum:  shasum,
				Size:      int64(len(f.data)),
			}
		}
	}

	for k, v := range pub.Doc.extra {
		doc.extra[k] = v
	}
	for tag, v := range pub.Doc.DistTags {
		if _, ok := doc.Versions[v]; ok {
			doc.DistTags[tag] = v
		}
	}
	if latest, ok := pub.Doc.DistTags["latest"]; !ok || doc.Versions[latest] == nil {
		doc.DistTags["latest"] = result.Version
	}

	if err := r.saveDocument(doc); err != nil {
		return nil, err
	}
	metrics.Upload(ecosystem.String())
	r.logger.Info("published package", "package", name, "version", result.Version, "size", result.Size)
	return result, nil
}

// RemoveVersion unpublishes version from the document. The tarball stays on disk; the document
// alone decides what clients see.
func (r *Registry) RemoveVersion(ctx context.Context, name, version string) error {
	if err := validate.PackageName(name, ecosystem); err != nil {
		return err
	}
	if err := validate.Version(version); err != nil {
		return err
	}
	unlock, err := r.locks.Lock(ctx, ecosystem, name)
	if err != nil {
		return err
	}
	defer unlock()

	doc, err := r.loadDocument(name)
	if err != nil {
		return err
	}
	previous := doc.Latest()
	if err := doc.RemoveVersion(version, r.policy, r.now()); err != nil {
		return err
	}
	if err := r.saveDocument(doc); err != nil {
		return err
	}

	metrics.Deletion(ecosystem.String(), "version")
	r.logger.Info("removed version", "package", name, "version", version, "latest", doc.Latest(), "previous_latest", previous)
	return nil
}

// DeleteVersion removes version from the document. npm has no yank, so force changes nothing.
func (r *Registry) DeleteVersion(ctx context.Context, name, version string, _ bool) (*core.DeleteResult, error) {
	if err := r.RemoveVersion(ctx, name, version); err != nil {
		return nil, err
	}
	return &core.DeleteResult{Removed: []string{name + "@" + version}}, nil
}

// DeleteAll removes the document and every tarball it references, plus conventionally named
// tarballs left behind by earlier removals.
func (r *Registry) DeleteAll(ctx context.Context, name string) (*core.DeleteResult, error) {
	if err := validate.PackageName(name, ecosystem); err != nil {
		return nil, err
	}
	unlock, err := r.locks.Lock(ctx, ecosystem, name)
	if err != nil {
		return nil, err
	}
	defer unlock()

	candidates := map[string]bool{r.metadataFile(name): true}
	if doc, err := r.loadDocument(name); err == nil {
		for _, m := range doc.Versions {
			if tarball := m.Dist().Tarball; tarball != "" && validate.Filename(path.Base(tarball)) == nil {
				candidates[r.tarballFile(path.Base(tarball))] = true
			}
		}
	}
	others, err := r.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	files, err := storage.ListFiles(r.layout.NPMTarballs(), storage.HasSuffix(".tgz"))
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		if ownsTarball(f.Name, name, others) {
			candidates[f.Path] = true
		}
	}

	var (
		result core.DeleteResult
		errs   *multierror.Error
	)
	paths := make([]string, 0, len(candidates))
	for p := range candidates {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		if err := storage.Remove(p); err != nil {
			if !storage.IsNotExist(err) {
				r.logger.Warn("failed to delete file", "file", p, "err", err)
				errs = multierror.Append(errs, err)
			}
			continue
		}
		result.Removed = append(result.Removed, r.layout.Rel(p))
	}

	if len(result.Removed) == 0 {
		if err := errs.ErrorOrNil(); err != nil {
			return nil, err
		}
		return nil, &core.NotFoundError{Ecosystem: ecosystem, Name: name}
	}
	result.Warnings = errs.ErrorOrNil()
	metrics.Deletion(ecosystem.String(), "all")
	r.logger.Info("deleted package", "package", name, "files", len(result.Removed))
	return &result, nil
}

// Metadata serves the document of name with tarball URLs pointing at this server. Packages not
// published here are served from the upstream registry with the same rewrite.
func (r *Registry) Metadata(ctx context.Context, name string) ([]byte, error) {
	if err := validate.PackageName(name, ecosystem); err != nil {
		return nil, err
	}
	doc, err := r.loadDocument(name)
	if errors.Is(err, core.ErrNotFound) && r.upstream.Enabled() {
		doc, err = r.upstreamDocument(ctx, name)
	}
	if err != nil {
		return nil, err
	}

	for version, m := range doc.Versions {
		filename := TarballFilename(name, version)
		if tarball := m.Dist().Tarball; tarball != "" {
			filename = path.Base(tarball)
		}
		if err := m.SetDist(Dist{Tarball: client.NPMTarballURL(r.baseURL, name, filename)}); err != nil {
			return nil, err
		}
	}
	return doc.Bytes()
}

func (r *Registry) upstreamDocument(ctx context.Context, name string) (*Document, error) {
	data, err := r.upstream.Document(ctx, ecosystem, r.upstream.Resolver().NPMDocument(name), maxDocumentSize)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, &core.NotFoundError{Ecosystem: ecosystem, Name: name}
		}
		return nil, err
	}
	doc, err := ParseDocument(data)
	if err != nil {
		return nil, &core.UpstreamError{Ecosystem: ecosystem, URL: r.upstream.Resolver().NPMDocument(name), Err: err}
	}
	if doc.Name == "" {
		doc.Name = name
	}
	return doc, nil
}

// ownsTarball reports whether filename is "<name>-<semver>.tgz" and no other stored package
// with a longer name claims the same prefix ("foo-2-1.0.0.tgz" belongs to foo-2, not foo).
func ownsTarball(filename, name string, others []string) bool {
	rest, ok := strings.CutPrefix(strings.TrimSuffix(filename, ".tgz"), name+"-")
	if !ok {
		return false
	}
	if _, err := semver.StrictNewVersion(rest); err != nil {
		return false
	}
	for _, other := range others {
		if len(other) > len(name) && strings.HasPrefix(filename, other+"-") {
			return false
		}
	}
	return true
}
