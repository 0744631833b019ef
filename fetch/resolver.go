package fetch

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

const (
	DefaultNPMURL        = "https://registry.npmjs.org"
	DefaultPyPIURL       = "https://pypi.org"
	DefaultCratesURL     = "https://static.crates.io/crates"
	DefaultCargoIndexURL = "https://index.crates.io"
)

// Resolver builds upstream URLs for the three ecosystems.
type Resolver struct {
	NPM        string
	PyPI       string
	Crates     string
	CargoIndex string
}

// DefaultResolver points at the public registries.
func DefaultResolver() Resolver {
	return Resolver{
		NPM:        DefaultNPMURL,
		PyPI:       DefaultPyPIURL,
		Crates:     DefaultCratesURL,
		CargoIndex: DefaultCargoIndexURL,
	}
}

func (r Resolver) withDefaults() Resolver {
	d := DefaultResolver()
	if r.NPM == "" {
		r.NPM = d.NPM
	}
	if r.PyPI == "" {
		r.PyPI = d.PyPI
	}
	if r.Crates == "" {
		r.Crates = d.Crates
	}
	if r.CargoIndex == "" {
		r.CargoIndex = d.CargoIndex
	}
	r.NPM = strings.TrimSuffix(r.NPM, "/")
	r.PyPI = strings.TrimSuffix(r.PyPI, "/")
	r.Crates = strings.TrimSuffix(r.Crates, "/")
	r.CargoIndex = strings.TrimSuffix(r.CargoIndex, "/")
	return r
}

// NPMDocument is the package document URL.
func (r Resolver) NPMDocument(name string) string {
	return fmt.Sprintf("%s/%s", r.NPM, url.PathEscape(name))
}

// Hosts lists the distinct hosts of the configured upstream URLs.
func (r Resolver) Hosts() []string {
	r = r.withDefaults()
	seen := make(map[string]bool)
	var hosts []string
	for _, u := range []string{r.NPM, r.PyPI, r.Crates, r.CargoIndex} {
		if h := hostOf(u); !seen[h] {
			seen[h] = true
			hosts = append(hosts, h)
		}
	}
	return hosts
}

// NPMTarball is the tarball URL for a filename such as "left-pad-1.3.0.tgz".
func (r Resolver) NPMTarball(name, filename string) string {
	return fmt.Sprintf("%s/%s/-/%s", r.NPM, url.PathEscape(name), filename)
}

// PyPIProject is the JSON API URL used to locate files of a project.
func (r Resolver) PyPIProject(name string) string {
	return fmt.Sprintf("%s/pypi/%s/json", r.PyPI, url.PathEscape(name))
}

// Crate is the download URL for a crate version.
func (r Resolver) Crate(name, version string) string {
	return fmt.Sprintf("%s/%s/%s-%s.crate", r.Crates, name, name, version)
}

// CargoIndexFile is the sparse index URL for a shard path such as "se/rd/serde".
func (r Resolver) CargoIndexFile(shard string) string {
	return fmt.Sprintf("%s/%s", r.CargoIndex, shard)
}

type pypiFile struct {
	Filename string `json:"filename"`
	URL      string `json:"url"`
}

type pypiProject struct {
	URLs     []pypiFile            `json:"urls"`
	Releases map[string][]pypiFile `json:"releases"`
}

// pypiFileURL finds filename in a PyPI JSON API document.
func pypiFileURL(doc []byte, filename string) (string, error) {
	var project pypiProject
	if err := json.Unmarshal(doc, &project); err != nil {
		return "", fmt.Errorf("decoding PyPI project: %w", err)
	}
	for _, f := range project.URLs {
		if f.Filename == filename {
			return f.URL, nil
		}
	}
	for _, files := range project.Releases {
		for _, f := range files {
			if f.Filename == filename {
				return f.URL, nil
			}
		}
	}
	return "", ErrNotFound
}
