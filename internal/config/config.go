// Package config loads the server configuration from a TOML file.
//
// A minimal file only needs the data directory:
//
//	data_dir = "/var/lib/pkgserver"
//
//	[upstream]
//	enabled = true
//	timeout = "30s"
//
// Keys that are not recognised are rejected so typos do not silently fall back to defaults.
package config

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/log"
	"github.com/hashicorp/go-multierror"

	"github.com/git-pkgs/pkgserver/client"
	"github.com/git-pkgs/pkgserver/fetch"
	"github.com/git-pkgs/pkgserver/internal/core"
	"github.com/git-pkgs/pkgserver/internal/npm"
)

const (
	DefaultDataDir    = "./data"
	DefaultLogLevel   = "info"
	DefaultMaxRetries = 3
	DefaultUserAgent  = "pkgserver/1.0"
)

// Config is the decoded configuration file.
type Config struct {
	DataDir  string   `toml:"data_dir"`
	BaseURL  string   `toml:"base_url"`
	LogLevel string   `toml:"log_level"`
	Upstream Upstream `toml:"upstream"`
	NPM      NPM      `toml:"npm"`
}

// Upstream configures fallback to the public registries.
type Upstream struct {
	Enabled       bool     `toml:"enabled"`
	CacheOnRead   bool     `toml:"cache_on_read"`
	Timeout       Duration `toml:"timeout"`
	MaxRetries    int      `toml:"max_retries"`
	UserAgent     string   `toml:"user_agent"`
	AuthToken     string   `toml:"auth_token"`
	NPMURL        string   `toml:"npm_url"`
	PyPIURL       string   `toml:"pypi_url"`
	CratesURL     string   `toml:"crates_url"`
	CargoIndexURL string   `toml:"cargo_index_url"`
}

type NPM struct {
	LatestPolicy string `toml:"latest_policy"`
}

// Duration is a time.Duration written as a string such as "30s" or "1m30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		DataDir:  DefaultDataDir,
		BaseURL:  client.DefaultBaseURL,
		LogLevel: DefaultLogLevel,
		Upstream: Upstream{
			Enabled:    true,
			Timeout:    Duration{fetch.DefaultTimeout},
			MaxRetries: DefaultMaxRetries,
			UserAgent:  DefaultUserAgent,
		},
		NPM: NPM{LatestPolicy: string(npm.LatestLexical)},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := checkUndecoded(md); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Parse decodes a configuration document over the defaults.
func Parse(data string) (*Config, error) {
	cfg := Default()
	md, err := toml.Decode(data, cfg)
	if err != nil {
		return nil, err
	}
	if err := checkUndecoded(md); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func checkUndecoded(md toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}
	keys := make([]string, len(undecoded))
	for i, k := range undecoded {
		keys[i] = k.String()
	}
	sort.Strings(keys)
	return fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
}

// Validate checks values that the decoder cannot.
func (c *Config) Validate() error {
	var errs *multierror.Error
	if c.DataDir == "" {
		errs = multierror.Append(errs, &core.InvalidInputError{Field: "data_dir", Reason: "must not be empty"})
	}
	urls := []struct{ key, raw string }{
		{"base_url", c.BaseURL},
		{"upstream.npm_url", c.Upstream.NPMURL},
		{"upstream.pypi_url", c.Upstream.PyPIURL},
		{"upstream.crates_url", c.Upstream.CratesURL},
		{"upstream.cargo_index_url", c.Upstream.CargoIndexURL},
	}
	for _, u := range urls {
		if u.raw == "" {
			continue
		}
		if parsed, err := url.Parse(u.raw); err != nil || parsed.Scheme == "" || parsed.Host == "" {
			errs = multierror.Append(errs, &core.InvalidInputError{Field: u.key, Value: u.raw, Reason: "must be an absolute URL"})
		}
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = multierror.Append(errs, &core.InvalidInputError{Field: "log_level", Value: c.LogLevel, Reason: err.Error()})
	}
	if c.Upstream.Timeout.Duration < 0 {
		errs = multierror.Append(errs, &core.InvalidInputError{Field: "upstream.timeout", Value: c.Upstream.Timeout.String(), Reason: "must not be negative"})
	}
	if c.Upstream.MaxRetries < 0 {
		errs = multierror.Append(errs, &core.InvalidInputError{Field: "upstream.max_retries", Value: fmt.Sprint(c.Upstream.MaxRetries), Reason: "must not be negative"})
	}
	if _, err := npm.ParseLatestPolicy(c.NPM.LatestPolicy); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

// Level is the parsed log level.
func (c *Config) Level() log.Level {
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return log.InfoLevel
	}
	return level
}

// Resolver returns the upstream URLs, falling back to the public registries.
func (c *Config) Resolver() fetch.Resolver {
	return fetch.Resolver{
		NPM:        c.Upstream.NPMURL,
		PyPI:       c.Upstream.PyPIURL,
		Crates:     c.Upstream.CratesURL,
		CargoIndex: c.Upstream.CargoIndexURL,
	}
}
