// Package pkgserver is a self-hosted package registry for npm, PyPI and Cargo.
//
// A Service stores published artifacts under a single data directory and serves them back,
// falling back to the public registries for anything that was never published locally.
//
// Basic usage:
//
//	svc, err := pkgserver.New("/var/lib/pkgserver", pkgserver.WithUpstream(true))
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer svc.Close()
//
//	versions, err := svc.Versions(ctx, pkgserver.Cargo, "serde")
//
// Every operation takes the ecosystem tag and dispatches to the matching registry; the
// three on-disk formats never leak through this API.
package pkgserver

import (
	"context"
	"io"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/git-pkgs/pkgserver/client"
	"github.com/git-pkgs/pkgserver/fetch"
	"github.com/git-pkgs/pkgserver/internal/cargo"
	"github.com/git-pkgs/pkgserver/internal/config"
	"github.com/git-pkgs/pkgserver/internal/core"
	"github.com/git-pkgs/pkgserver/internal/metrics"
	"github.com/git-pkgs/pkgserver/internal/npm"
	"github.com/git-pkgs/pkgserver/internal/pypi"
	"github.com/git-pkgs/pkgserver/internal/storage"
)

// Re-export types from internal/core
type (
	// Registry is the capability interface implemented once per ecosystem.
	Registry = core.Registry

	// Ecosystem is one of NPM, PyPI or Cargo.
	Ecosystem = core.Ecosystem

	// Version describes one stored version of a package.
	Version = core.Version

	// VersionStatus represents the status of a package version.
	VersionStatus = core.VersionStatus

	RecentPackage  = core.RecentPackage
	UploadMetadata = core.UploadMetadata
	UploadResult   = core.UploadResult
	DeleteResult   = core.DeleteResult
	Artifact       = core.Artifact
	Source         = core.Source
	Summary        = core.Summary
	PURL           = core.PURL

	// LatestPolicy selects how npm "latest" is recomputed after a version is removed.
	LatestPolicy = npm.LatestPolicy
)

// Re-export constants
const (
	NPM   = core.NPM
	PyPI  = core.PyPI
	Cargo = core.Cargo

	StatusNone   = core.StatusNone
	StatusYanked = core.StatusYanked

	SourceLocal    = core.SourceLocal
	SourceUpstream = core.SourceUpstream

	LatestLexical = npm.LatestLexical
	LatestSemver  = npm.LatestSemver
)

// Re-export errors
var (
	ErrNotFound            = core.ErrNotFound
	ErrInvalidInput        = core.ErrInvalidInput
	ErrConflict            = core.ErrConflict
	ErrUpstreamUnavailable = core.ErrUpstreamUnavailable
	ErrStorage             = core.ErrStorage
)

// Error types
type (
	NotFoundError     = core.NotFoundError
	InvalidInputError = core.InvalidInputError
	ConflictError     = core.ConflictError
	StorageError      = core.StorageError
	UpstreamError     = core.UpstreamError
)

type options struct {
	upstream    bool
	cacheOnRead bool
	timeout     time.Duration
	resolver    fetch.Resolver
	getter      fetch.Getter
	userAgent   string
	token       string
	maxRetries  int
	logger      *log.Logger
	baseURL     string
	policy      npm.LatestPolicy
}

// Option configures a Service.
type Option func(*options)

// WithUpstream turns fallback to the public registries on or off. It is off by default.
func WithUpstream(enabled bool) Option {
	return func(o *options) {
		o.upstream = enabled
	}
}

// WithCacheOnRead keeps artifacts fetched from upstream once they were streamed completely.
func WithCacheOnRead(enabled bool) Option {
	return func(o *options) {
		o.cacheOnRead = enabled
	}
}

// WithUpstreamTimeout bounds each upstream request, body included.
func WithUpstreamTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// WithResolver points upstream fallback at mirrors instead of the public registries.
func WithResolver(r fetch.Resolver) Option {
	return func(o *options) {
		o.resolver = r
	}
}

// WithGetter replaces the upstream transport. By default a Fetcher wrapped in per-host
// circuit breakers is used.
func WithGetter(g fetch.Getter) Option {
	return func(o *options) {
		o.getter = g
	}
}

func WithUserAgent(ua string) Option {
	return func(o *options) {
		o.userAgent = ua
	}
}

// WithUpstreamToken sends token as a bearer credential to the configured upstream hosts.
func WithUpstreamToken(token string) Option {
	return func(o *options) {
		o.token = token
	}
}

func WithMaxRetries(n int) Option {
	return func(o *options) {
		o.maxRetries = n
	}
}

func WithLogger(l *log.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithBaseURL sets the URL clients use to reach this server. npm tarball links and the
// cargo config.json are built from it.
func WithBaseURL(base string) Option {
	return func(o *options) {
		o.baseURL = base
	}
}

func WithLatestPolicy(p LatestPolicy) Option {
	return func(o *options) {
		o.policy = p
	}
}

// Service dispatches registry operations to the npm, PyPI and Cargo registries sharing one
// data directory.
type Service struct {
	layout  *storage.Layout
	set     *core.Set
	cargo   *cargo.Registry
	npm     *npm.Registry
	pypi    *pypi.Registry
	fetcher *fetch.Fetcher
	breaker *fetch.CircuitBreakerFetcher
	baseURL string
}

// New creates the data directory layout under dataDir and returns a Service over it.
func New(dataDir string, opts ...Option) (*Service, error) {
	o := options{
		timeout:    fetch.DefaultTimeout,
		userAgent:  config.DefaultUserAgent,
		maxRetries: config.DefaultMaxRetries,
		logger:     log.New(io.Discard),
		baseURL:    client.DefaultBaseURL,
		policy:     npm.LatestLexical,
	}
	for _, opt := range opts {
		opt(&o)
	}

	layout := storage.NewLayout(dataDir)
	if err := layout.Init(); err != nil {
		return nil, err
	}

	s := &Service{layout: layout, baseURL: o.baseURL}
	upstream := fetch.Disabled()
	if o.upstream {
		getter := o.getter
		if getter == nil {
			fopts := []fetch.Option{fetch.WithUserAgent(o.userAgent), fetch.WithMaxRetries(o.maxRetries)}
			if o.token != "" {
				fopts = append(fopts, fetch.WithAuthFunc(fetch.BearerAuth(o.token, o.resolver.Hosts())))
			}
			s.fetcher = fetch.NewFetcher(fopts...)
			s.breaker = fetch.NewCircuitBreakerFetcher(s.fetcher, fetch.DefaultBreakerOptions())
			getter = s.breaker
		}
		upstream = fetch.NewUpstream(getter, fetch.UpstreamConfig{
			Enabled:  true,
			Timeout:  o.timeout,
			Resolver: o.resolver,
		})
	}

	locks := storage.NewLocker(layout.Locks())
	s.cargo = cargo.New(layout,
		cargo.WithLocker(locks),
		cargo.WithUpstream(upstream),
		cargo.WithLogger(o.logger.WithPrefix("cargo")),
		cargo.WithCacheOnRead(o.cacheOnRead),
	)
	s.npm = npm.New(layout,
		npm.WithLocker(locks),
		npm.WithUpstream(upstream),
		npm.WithLogger(o.logger.WithPrefix("npm")),
		npm.WithCacheOnRead(o.cacheOnRead),
		npm.WithBaseURL(o.baseURL),
		npm.WithLatestPolicy(o.policy),
	)
	s.pypi = pypi.New(layout,
		pypi.WithLocker(locks),
		pypi.WithUpstream(upstream),
		pypi.WithLogger(o.logger.WithPrefix("pypi")),
		pypi.WithCacheOnRead(o.cacheOnRead),
	)

	set, err := core.NewSet(s.cargo, s.npm, s.pypi)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.set = set
	o.logger.Debug("registry ready", "data_dir", layout.Root, "upstream", upstream.Enabled(), "cache_on_read", o.cacheOnRead)
	return s, nil
}

// NewFromConfig builds a Service from a loaded configuration file.
func NewFromConfig(cfg *config.Config, logger *log.Logger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	policy, _ := npm.ParseLatestPolicy(cfg.NPM.LatestPolicy)
	opts := []Option{
		WithUpstream(cfg.Upstream.Enabled),
		WithCacheOnRead(cfg.Upstream.CacheOnRead),
		WithResolver(cfg.Resolver()),
		WithMaxRetries(cfg.Upstream.MaxRetries),
		WithBaseURL(cfg.BaseURL),
		WithLatestPolicy(policy),
	}
	if cfg.Upstream.Timeout.Duration > 0 {
		opts = append(opts, WithUpstreamTimeout(cfg.Upstream.Timeout.Duration))
	}
	if cfg.Upstream.AuthToken != "" {
		opts = append(opts, WithUpstreamToken(cfg.Upstream.AuthToken))
	}
	if cfg.Upstream.UserAgent != "" {
		opts = append(opts, WithUserAgent(cfg.Upstream.UserAgent))
	}
	if logger != nil {
		opts = append(opts, WithLogger(logger))
	}
	return New(cfg.DataDir, opts...)
}

// Close stops background work of the upstream transport.
func (s *Service) Close() {
	if s.fetcher != nil {
		s.fetcher.Close()
	}
}

// UpstreamState reports "open" or "closed" for every upstream host contacted so far. It is
// empty when upstream fallback is off or a custom getter is in use.
func (s *Service) UpstreamState() map[string]string {
	if s.breaker == nil {
		return map[string]string{}
	}
	return s.breaker.State()
}

// DataDir is the root of the on-disk layout.
func (s *Service) DataDir() string {
	return s.layout.Root
}

// Registry returns the registry serving eco.
func (s *Service) Registry(eco Ecosystem) (Registry, error) {
	return s.set.Get(eco)
}

// SupportedEcosystems returns the ecosystem tags in a stable order.
func SupportedEcosystems() []Ecosystem {
	return core.Ecosystems()
}

// ParseEcosystem converts a tag such as "npm" into an Ecosystem.
func ParseEcosystem(s string) (Ecosystem, error) {
	return core.ParseEcosystem(s)
}

func (s *Service) Count(ctx context.Context, eco Ecosystem) (int, error) {
	reg, err := s.set.Get(eco)
	if err != nil {
		return 0, err
	}
	return reg.Count(ctx)
}

func (s *Service) ListAll(ctx context.Context, eco Ecosystem) ([]string, error) {
	reg, err := s.set.Get(eco)
	if err != nil {
		return nil, err
	}
	return reg.ListAll(ctx)
}

func (s *Service) Versions(ctx context.Context, eco Ecosystem, name string) ([]Version, error) {
	reg, err := s.set.Get(eco)
	if err != nil {
		return nil, err
	}
	return reg.Versions(ctx, name)
}

func (s *Service) Recent(ctx context.Context, eco Ecosystem, limit int) ([]RecentPackage, error) {
	reg, err := s.set.Get(eco)
	if err != nil {
		return nil, err
	}
	return reg.Recent(ctx, limit)
}

// Download streams an artifact. ref is the version for cargo and the filename for npm and PyPI.
// The caller must close the returned Body.
func (s *Service) Download(ctx context.Context, eco Ecosystem, name, ref string) (*Artifact, error) {
	reg, err := s.set.Get(eco)
	if err != nil {
		return nil, err
	}
	return reg.Download(ctx, name, ref)
}

func (s *Service) Upload(ctx context.Context, eco Ecosystem, data []byte, meta UploadMetadata) (*UploadResult, error) {
	reg, err := s.set.Get(eco)
	if err != nil {
		return nil, err
	}
	return reg.Upload(ctx, data, meta)
}

// DeleteVersion yanks a cargo version (or removes it with force), unpublishes an npm version
// and deletes the files of a PyPI version.
func (s *Service) DeleteVersion(ctx context.Context, eco Ecosystem, name, version string, force bool) (*DeleteResult, error) {
	reg, err := s.set.Get(eco)
	if err != nil {
		return nil, err
	}
	return reg.DeleteVersion(ctx, name, version, force)
}

func (s *Service) DeleteAll(ctx context.Context, eco Ecosystem, name string) (*DeleteResult, error) {
	reg, err := s.set.Get(eco)
	if err != nil {
		return nil, err
	}
	return reg.DeleteAll(ctx, name)
}

// Summaries counts packages and lists recent ones for every ecosystem in parallel.
func (s *Service) Summaries(ctx context.Context, recentLimit int) ([]Summary, error) {
	return core.Summarize(ctx, s.set.All(), recentLimit)
}

// LatestVersion returns the newest non-yanked version of a package, or nil.
func (s *Service) LatestVersion(ctx context.Context, eco Ecosystem, name string) (*Version, error) {
	reg, err := s.set.Get(eco)
	if err != nil {
		return nil, err
	}
	return core.FetchLatestVersion(ctx, reg, name)
}

// Yank marks a cargo version as yanked.
func (s *Service) Yank(ctx context.Context, name, version string) error {
	return s.cargo.SetYanked(ctx, name, version, true)
}

// Unyank clears the yanked flag of a cargo version.
func (s *Service) Unyank(ctx context.Context, name, version string) error {
	return s.cargo.SetYanked(ctx, name, version, false)
}

// CargoIndex returns the raw sparse index file of a crate.
func (s *Service) CargoIndex(ctx context.Context, name string) ([]byte, error) {
	return s.cargo.IndexFile(ctx, name)
}

// CargoConfig is the config.json served at the root of the sparse index.
func (s *Service) CargoConfig() client.CargoConfig {
	return client.NewCargoConfig(s.baseURL)
}

// NPMMetadata returns the package document npm clients install from.
func (s *Service) NPMMetadata(ctx context.Context, name string) ([]byte, error) {
	return s.npm.Metadata(ctx, name)
}

// URLs returns the client-facing registry, download and PURL strings of a package.
func (s *Service) URLs(eco Ecosystem, name, version string) map[string]string {
	return client.BuildURLs(client.For(s.baseURL, eco), name, version)
}

// ParsePURL parses a Package URL string.
func ParsePURL(purl string) (*PURL, error) {
	return core.ParsePURL(purl)
}

// NewPURL builds the Package URL of a stored package. version may be empty.
func NewPURL(eco Ecosystem, name, version string) *PURL {
	return core.NewPURL(eco, name, version)
}

// VersionsFromPURL lists the stored versions of the package a PURL addresses.
func (s *Service) VersionsFromPURL(ctx context.Context, purl string) ([]Version, error) {
	eco, name, _, err := core.ResolvePURL(purl)
	if err != nil {
		return nil, err
	}
	return s.Versions(ctx, eco, name)
}

// LatestVersionFromPURL returns the newest non-yanked version of the package a PURL addresses.
func (s *Service) LatestVersionFromPURL(ctx context.Context, purl string) (*Version, error) {
	eco, name, _, err := core.ResolvePURL(purl)
	if err != nil {
		return nil, err
	}
	return s.LatestVersion(ctx, eco, name)
}

// RegisterMetrics adds the registry collectors to reg. Registering twice is not an error.
func RegisterMetrics(reg prometheus.Registerer) error {
	return metrics.Register(reg)
}
