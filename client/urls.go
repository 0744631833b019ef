// Package client builds the URLs package managers use to reach this server.
// They are what gets written into npm documents, cargo's config.json and
// the links shown to operators.
package client

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/git-pkgs/pkgserver/internal/core"
	"github.com/git-pkgs/pkgserver/internal/pypi"
)

// DefaultBaseURL is where the server listens when nothing else is configured.
const DefaultBaseURL = "http://localhost:8080"

// URLBuilder constructs URLs for one ecosystem on this server.
type URLBuilder interface {
	Registry(name, version string) string
	Download(name, version string) string
	PURL(name, version string) string
}

// ServerURLs implements URLBuilder for a base URL and ecosystem.
type ServerURLs struct {
	base string
	eco  core.Ecosystem
}

// For returns the URL builder of eco. An empty base selects DefaultBaseURL.
func For(base string, eco core.Ecosystem) *ServerURLs {
	return &ServerURLs{base: normalizeBase(base), eco: eco}
}

func normalizeBase(base string) string {
	if base == "" {
		base = DefaultBaseURL
	}
	return strings.TrimSuffix(base, "/")
}

// Registry is the metadata endpoint a client queries for the package.
func (u *ServerURLs) Registry(name, version string) string {
	switch u.eco {
	case core.NPM:
		return fmt.Sprintf("%s/npm/%s", u.base, url.PathEscape(name))
	case core.PyPI:
		return fmt.Sprintf("%s/pypi/simple/%s/", u.base, pypi.Normalize(name))
	case core.Cargo:
		return fmt.Sprintf("%s/cargo/api/v1/crates/%s", u.base, name)
	}
	return ""
}

// Download is the artifact URL. PyPI artifacts are addressed by filename, so it is empty there.
func (u *ServerURLs) Download(name, version string) string {
	if version == "" {
		return ""
	}
	switch u.eco {
	case core.NPM:
		return NPMTarballURL(u.base, name, name+"-"+version+".tgz")
	case core.Cargo:
		return fmt.Sprintf("%s/cargo/api/v1/crates/%s/%s/download", u.base, name, version)
	}
	return ""
}

func (u *ServerURLs) PURL(name, version string) string {
	return core.NewPURL(u.eco, name, version).String()
}

// BuildURLs returns a map of all non-empty URLs for a package.
// Keys are "registry", "download" and "purl".
func BuildURLs(urls URLBuilder, name, version string) map[string]string {
	result := make(map[string]string)
	if v := urls.Registry(name, version); v != "" {
		result["registry"] = v
	}
	if v := urls.Download(name, version); v != "" {
		result["download"] = v
	}
	if v := urls.PURL(name, version); v != "" {
		result["purl"] = v
	}
	return result
}

// NPMTarballURL is the dist.tarball value recorded for a tarball stored on this server.
func NPMTarballURL(base, name, filename string) string {
	return fmt.Sprintf("%s/npm/%s/-/%s", normalizeBase(base), url.PathEscape(name), filename)
}

// PyPIFileURL links a stored wheel or sdist.
func PyPIFileURL(base, filename string) string {
	return fmt.Sprintf("%s/pypi/packages/%s", normalizeBase(base), url.PathEscape(filename))
}

// CargoConfig is the config.json served at the root of the sparse index.
type CargoConfig struct {
	DL  string `json:"dl"`
	API string `json:"api"`
}

// NewCargoConfig points cargo at the download and API endpoints under base.
func NewCargoConfig(base string) CargoConfig {
	base = normalizeBase(base)
	return CargoConfig{
		DL:  base + "/cargo/api/v1/crates/{crate}/{version}/download",
		API: base + "/cargo",
	}
}

func (c CargoConfig) JSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}
