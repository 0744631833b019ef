package core

import (
	packageurl "github.com/package-url/packageurl-go"
)

// PURL wraps packageurl.PackageURL with registry-specific helpers.
type PURL struct {
	packageurl.PackageURL
}

// NewPURL builds the Package URL for a stored package. version may be empty.
func NewPURL(eco Ecosystem, name, version string) *PURL {
	p := packageurl.NewPackageURL(string(eco), "", name, version, nil, "")
	return &PURL{*p}
}

// String renders the canonical pkg: form.
func (p *PURL) String() string {
	return p.PackageURL.ToString()
}

// Ecosystem returns the PURL type as an Ecosystem, failing for types this registry does not serve.
func (p *PURL) Ecosystem() (Ecosystem, error) {
	return ParseEcosystem(p.Type)
}

// FullName returns the package name in the format expected by the registry.
// npm keeps the scope in the namespace, so "@babel" + "/" + "core" = "@babel/core".
func (p *PURL) FullName() string {
	if p.Namespace == "" {
		return p.Name
	}
	return p.Namespace + "/" + p.Name
}

// ParsePURL parses a Package URL string into its components.
// Supports both package PURLs (pkg:cargo/serde) and version PURLs (pkg:cargo/serde@1.0.0).
func ParsePURL(purl string) (*PURL, error) {
	p, err := packageurl.FromString(purl)
	if err != nil {
		return nil, &InvalidInputError{Field: "purl", Value: purl, Reason: err.Error()}
	}
	return &PURL{p}, nil
}

// ResolvePURL parses a PURL and returns the ecosystem, full name and version it addresses.
func ResolvePURL(purl string) (Ecosystem, string, string, error) {
	p, err := ParsePURL(purl)
	if err != nil {
		return "", "", "", err
	}
	eco, err := p.Ecosystem()
	if err != nil {
		return "", "", "", err
	}
	return eco, p.FullName(), p.Version, nil
}
