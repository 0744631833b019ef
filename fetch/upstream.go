package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/git-pkgs/pkgserver/internal/core"
	"github.com/git-pkgs/pkgserver/internal/metrics"
	"golang.org/x/sync/singleflight"
)

// ErrDisabled is returned for every upstream request when fallback is turned off.
// It matches core.ErrNotFound so a disabled upstream looks like a plain local miss.
var ErrDisabled = errors.New("upstream fallback disabled")

const DefaultTimeout = 30 * time.Second

// UpstreamConfig configures the fallback to public registries.
type UpstreamConfig struct {
	Enabled  bool
	Timeout  time.Duration // bounds the whole request, body streaming included
	Resolver Resolver
}

// Upstream performs fallback requests for local misses and translates failures
// into the registry error taxonomy. Document lookups for the same URL are shared
// between concurrent callers.
type Upstream struct {
	enabled  bool
	timeout  time.Duration
	getter   Getter
	resolver Resolver
	group    singleflight.Group
}

// NewUpstream creates an Upstream using g as transport. A nil g disables fallback.
func NewUpstream(g Getter, cfg UpstreamConfig) *Upstream {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Upstream{
		enabled:  cfg.Enabled && g != nil,
		timeout:  cfg.Timeout,
		getter:   g,
		resolver: cfg.Resolver.withDefaults(),
	}
}

// Disabled returns an Upstream that answers every request with ErrDisabled.
func Disabled() *Upstream {
	return NewUpstream(nil, UpstreamConfig{})
}

func (u *Upstream) Enabled() bool {
	return u != nil && u.enabled
}

func (u *Upstream) Resolver() Resolver {
	return u.resolver
}

// Open streams url. The request deadline stays armed until the returned body is closed.
func (u *Upstream) Open(ctx context.Context, eco core.Ecosystem, url string) (*Response, error) {
	if !u.Enabled() {
		return nil, fmt.Errorf("%w: %w", core.ErrNotFound, ErrDisabled)
	}

	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	start := time.Now()
	resp, err := u.getter.Get(ctx, url)
	if err != nil {
		cancel()
		err = u.classify(eco, url, err)
		metrics.Upstream(eco.String(), time.Since(start), errors.Is(err, core.ErrUpstreamUnavailable))
		return nil, err
	}
	metrics.Upstream(eco.String(), time.Since(start), false)

	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// Document reads a whole upstream document of at most limit bytes.
func (u *Upstream) Document(ctx context.Context, eco core.Ecosystem, url string, limit int64) ([]byte, error) {
	v, err, _ := u.group.Do(url, func() (any, error) {
		resp, err := u.Open(ctx, eco, url)
		if err != nil {
			return nil, err
		}
		data, err := readAll(resp, limit)
		if err != nil {
			return nil, &core.UpstreamError{Ecosystem: eco, URL: url, Err: err}
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// PyPIFileURL looks up the download URL of filename through the PyPI JSON API.
func (u *Upstream) PyPIFileURL(ctx context.Context, project, filename string, limit int64) (string, error) {
	doc, err := u.Document(ctx, core.PyPI, u.resolver.PyPIProject(project), limit)
	if err != nil {
		return "", err
	}
	fileURL, err := pypiFileURL(doc, filename)
	if errors.Is(err, ErrNotFound) {
		return "", &core.NotFoundError{Ecosystem: core.PyPI, Name: project, Version: filename}
	}
	if err != nil {
		return "", &core.UpstreamError{Ecosystem: core.PyPI, URL: u.resolver.PyPIProject(project), Err: err}
	}
	return fileURL, nil
}

func (u *Upstream) classify(eco core.Ecosystem, url string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: %s upstream %s (%w)", core.ErrNotFound, eco, url, err)
	}
	return &core.UpstreamError{Ecosystem: eco, URL: url, Err: err}
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
	once   sync.Once
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.once.Do(c.cancel)
	return err
}
