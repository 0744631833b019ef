package npm

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/git-pkgs/pkgserver/internal/core"
)

// Document is a package metadata document (the "packument"). Fields this package does not
// interpret are kept and written back unchanged.
type Document struct {
	Name     string
	Versions map[string]Manifest
	DistTags map[string]string
	Time     map[string]string

	extra map[string]json.RawMessage
}

// Manifest is one entry of the versions map. It is kept as raw fields so publishers'
// package.json contents survive a rewrite.
type Manifest map[string]json.RawMessage

// Dist is the part of a manifest that locates the tarball.
type Dist struct {
	Tarball string `json:"tarball"`
	Shasum  string `json:"shasum"`
}

func NewDocument(name string) *Document {
	return &Document{
		Name:     name,
		Versions: make(map[string]Manifest),
		DistTags: make(map[string]string),
		Time:     make(map[string]string),
		extra:    make(map[string]json.RawMessage),
	}
}

// ParseDocument decodes a stored or upstream document.
func ParseDocument(data []byte) (*Document, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("decoding npm document: %w", err)
	}
	doc := NewDocument("")

	take := func(key string, dst any) error {
		raw, ok := fields[key]
		if !ok {
			return nil
		}
		delete(fields, key)
		if string(raw) == "null" {
			return nil
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			return fmt.Errorf("decoding npm document %q: %w", key, err)
		}
		return nil
	}
	if err := take("name", &doc.Name); err != nil {
		return nil, err
	}
	if err := take("versions", &doc.Versions); err != nil {
		return nil, err
	}
	if err := take("dist-tags", &doc.DistTags); err != nil {
		return nil, err
	}
	if err := take("time", &doc.Time); err != nil {
		return nil, err
	}
	doc.extra = fields

	if doc.Versions == nil {
		doc.Versions = make(map[string]Manifest)
	}
	if doc.DistTags == nil {
		doc.DistTags = make(map[string]string)
	}
	if doc.Time == nil {
		doc.Time = make(map[string]string)
	}
	return doc, nil
}

func (d *Document) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(d.extra)+4)
	for k, v := range d.extra {
		out[k] = v
	}
	out["name"] = d.Name
	out["versions"] = d.Versions
	out["dist-tags"] = d.DistTags
	if len(d.Time) > 0 {
		out["time"] = d.Time
	}
	return json.Marshal(out)
}

// Bytes renders the document indented, as it is stored on disk.
func (d *Document) Bytes() ([]byte, error) {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// VersionNumbers returns every version key, unordered.
func (d *Document) VersionNumbers() []string {
	out := make([]string, 0, len(d.Versions))
	for v := range d.Versions {
		out = append(out, v)
	}
	return out
}

// Latest is the "latest" dist-tag, or "" when unset.
func (d *Document) Latest() string {
	return d.DistTags["latest"]
}

// AddVersion inserts or replaces a version and stamps its publish time.
func (d *Document) AddVersion(version string, m Manifest, now time.Time) {
	d.Versions[version] = m
	ts := now.UTC().Format(time.RFC3339Nano)
	d.Time[version] = ts
	d.Time["modified"] = ts
	if _, ok := d.Time["created"]; !ok {
		d.Time["created"] = ts
	}
}

// RemoveVersion deletes version. Tags pointing at it are dropped, and "latest" is moved to
// the greatest remaining version according to policy. With no versions left the document keeps
// an empty versions map and no "latest".
func (d *Document) RemoveVersion(version string, policy LatestPolicy, now time.Time) error {
	if _, ok := d.Versions[version]; !ok {
		return &core.NotFoundError{Ecosystem: core.NPM, Name: d.Name, Version: version}
	}
	delete(d.Versions, version)
	delete(d.Time, version)
	d.Time["modified"] = now.UTC().Format(time.RFC3339Nano)

	wasLatest := d.DistTags["latest"] == version
	for tag, v := range d.DistTags {
		if v == version {
			delete(d.DistTags, tag)
		}
	}
	if wasLatest {
		if latest := policy.Greatest(d.VersionNumbers()); latest != "" {
			d.DistTags["latest"] = latest
		}
	}
	return nil
}

// SortedVersions returns the version keys ordered greatest first according to policy.
func (d *Document) SortedVersions(policy LatestPolicy) []string {
	versions := d.VersionNumbers()
	sort.SliceStable(versions, func(i, j int) bool {
		return policy.Less(versions[j], versions[i])
	})
	return versions
}

// Dist decodes the manifest's dist block. Missing or malformed blocks yield a zero Dist.
func (m Manifest) Dist() Dist {
	var dist Dist
	if raw, ok := m["dist"]; ok {
		_ = json.Unmarshal(raw, &dist)
	}
	return dist
}

// SetDist updates tarball and shasum while keeping other dist fields such as integrity.
func (m Manifest) SetDist(dist Dist) error {
	fields := make(map[string]json.RawMessage)
	if raw, ok := m["dist"]; ok {
		_ = json.Unmarshal(raw, &fields)
		if fields == nil {
			fields = make(map[string]json.RawMessage)
		}
	}
	for k, v := range map[string]string{"tarball": dist.Tarball, "shasum": dist.Shasum} {
		if v == "" {
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		fields[k] = raw
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	m["dist"] = raw
	return nil
}

// Field returns a string field such as "version", or "".
func (m Manifest) Field(key string) string {
	var s string
	if raw, ok := m[key]; ok {
		_ = json.Unmarshal(raw, &s)
	}
	return s
}

// NewManifest is the minimal version entry recorded for a tarball uploaded without a
// package.json.
func NewManifest(name, version string) (Manifest, error) {
	m := Manifest{}
	for k, v := range map[string]string{"name": name, "version": version} {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		m[k] = raw
	}
	return m, nil
}
