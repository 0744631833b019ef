package core

import (
	"context"
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"
)

// Registry is the capability interface implemented once per ecosystem.
// Callers select an implementation by ecosystem tag and never branch on it afterwards.
type Registry interface {
	// Ecosystem returns the tag for this registry.
	Ecosystem() Ecosystem

	// Count returns the number of distinct packages stored locally.
	Count(ctx context.Context) (int, error)

	// ListAll returns all locally stored package names, sorted.
	ListAll(ctx context.Context) ([]string, error)

	// Versions returns the stored versions of a package, newest first.
	Versions(ctx context.Context, name string) ([]Version, error)

	// Recent returns up to limit packages ordered by most recent modification.
	Recent(ctx context.Context, limit int) ([]RecentPackage, error)

	// Download streams an artifact. ref is a version for cargo and a filename for npm and pypi.
	Download(ctx context.Context, name, ref string) (*Artifact, error)

	// Upload validates and persists an artifact, then updates the index.
	Upload(ctx context.Context, data []byte, meta UploadMetadata) (*UploadResult, error)

	// DeleteVersion removes or soft-disables one version.
	// force only has meaning for cargo, where it turns a yank into a removal.
	DeleteVersion(ctx context.Context, name, version string, force bool) (*DeleteResult, error)

	// DeleteAll removes every stored file of a package.
	DeleteAll(ctx context.Context, name string) (*DeleteResult, error)
}

// Set holds the three ecosystem registries.
type Set struct {
	registries map[Ecosystem]Registry
}

// NewSet builds a Set. Every ecosystem must be provided exactly once.
func NewSet(regs ...Registry) (*Set, error) {
	s := &Set{registries: make(map[Ecosystem]Registry, len(regs))}
	for _, r := range regs {
		eco := r.Ecosystem()
		if _, err := ParseEcosystem(string(eco)); err != nil {
			return nil, err
		}
		if _, dup := s.registries[eco]; dup {
			return nil, fmt.Errorf("duplicate registry for ecosystem %s", eco)
		}
		s.registries[eco] = r
	}
	for _, eco := range Ecosystems() {
		if _, ok := s.registries[eco]; !ok {
			return nil, fmt.Errorf("missing registry for ecosystem %s", eco)
		}
	}
	return s, nil
}

// Get returns the registry for an ecosystem.
func (s *Set) Get(eco Ecosystem) (Registry, error) {
	r, ok := s.registries[eco]
	if !ok {
		return nil, &InvalidInputError{Field: "ecosystem", Value: string(eco), Reason: "unsupported ecosystem"}
	}
	return r, nil
}

// All returns the registries in ecosystem order.
func (s *Set) All() []Registry {
	out := make([]Registry, 0, len(s.registries))
	for _, eco := range Ecosystems() {
		out = append(out, s.registries[eco])
	}
	return out
}

// SortVersionsDesc orders versions greatest first by semantic version. Numbers that do not
// parse sort after every valid one, lexically among themselves.
func SortVersionsDesc(versions []Version) {
	parsed := make(map[string]*semver.Version, len(versions))
	for _, v := range versions {
		if sv, err := semver.NewVersion(v.Number); err == nil {
			parsed[v.Number] = sv
		}
	}
	sort.SliceStable(versions, func(i, j int) bool {
		a, b := parsed[versions[i].Number], parsed[versions[j].Number]
		switch {
		case a == nil && b == nil:
			return versions[i].Number > versions[j].Number
		case a == nil:
			return false
		case b == nil:
			return true
		}
		if c := a.Compare(b); c != 0 {
			return c > 0
		}
		return versions[i].Number > versions[j].Number
	})
}
