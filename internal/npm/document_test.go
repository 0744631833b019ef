package npm

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/git-pkgs/pkgserver/internal/core"
)

func docWithVersions(t *testing.T, latest string, versions ...string) *Document {
	t.Helper()
	doc := NewDocument("pkg")
	for _, v := range versions {
		m, err := NewManifest("pkg", v)
		if err != nil {
			t.Fatalf("NewManifest failed: %v", err)
		}
		doc.AddVersion(v, m, time.Unix(0, 0))
	}
	if latest != "" {
		doc.DistTags["latest"] = latest
	}
	return doc
}

func TestLatestPolicyGreatest(t *testing.T) {
	tests := []struct {
		policy   LatestPolicy
		versions []string
		want     string
	}{
		{LatestLexical, []string{"2.0.0", "10.0.0"}, "2.0.0"},
		{LatestSemver, []string{"2.0.0", "10.0.0"}, "10.0.0"},
		{LatestSemver, []string{"1.0.0", "1.0.0-beta.1"}, "1.0.0"},
		{LatestSemver, []string{"not-a-version", "0.0.1"}, "0.0.1"},
		{LatestSemver, []string{"zzz", "aaa"}, "zzz"},
		{LatestLexical, nil, ""},
	}

	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			if got := tt.policy.Greatest(tt.versions); got != tt.want {
				t.Errorf("%s.Greatest(%q) = %q, want %q", tt.policy, tt.versions, got, tt.want)
			}
		})
	}
}

func TestParseLatestPolicy(t *testing.T) {
	for in, want := range map[string]LatestPolicy{"": LatestLexical, "lexical": LatestLexical, "semver": LatestSemver} {
		got, err := ParseLatestPolicy(in)
		if err != nil || got != want {
			t.Errorf("ParseLatestPolicy(%q) = %q, %v, want %q", in, got, err, want)
		}
	}
	if _, err := ParseLatestPolicy("newest"); !errors.Is(err, core.ErrInvalidInput) {
		t.Errorf("ParseLatestPolicy(newest) = %v, want ErrInvalidInput", err)
	}
}

func TestRemoveVersionRecomputesLatest(t *testing.T) {
	tests := []struct {
		name       string
		policy     LatestPolicy
		versions   []string
		latest     string
		remove     string
		wantLatest string
	}{
		{"lexical picks string maximum", LatestLexical, []string{"2.0.0", "10.0.0", "3.0.0"}, "3.0.0", "3.0.0", "2.0.0"},
		{"semver picks version maximum", LatestSemver, []string{"2.0.0", "10.0.0", "3.0.0"}, "3.0.0", "3.0.0", "10.0.0"},
		{"non-latest removal keeps tag", LatestLexical, []string{"1.0.0", "2.0.0"}, "2.0.0", "1.0.0", "2.0.0"},
		{"last version drops tag", LatestLexical, []string{"1.0.0"}, "1.0.0", "1.0.0", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := docWithVersions(t, tt.latest, tt.versions...)
			if err := doc.RemoveVersion(tt.remove, tt.policy, time.Now()); err != nil {
				t.Fatalf("RemoveVersion failed: %v", err)
			}
			if got := doc.Latest(); got != tt.wantLatest {
				t.Errorf("latest = %q, want %q", got, tt.wantLatest)
			}
			if _, ok := doc.DistTags["latest"]; tt.wantLatest == "" && ok {
				t.Error("latest tag present with no versions left")
			}
			if _, ok := doc.Versions[tt.remove]; ok {
				t.Errorf("version %s still present", tt.remove)
			}
		})
	}
}

func TestRemoveVersionMissing(t *testing.T) {
	doc := docWithVersions(t, "1.0.0", "1.0.0")
	if err := doc.RemoveVersion("9.9.9", LatestLexical, time.Now()); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("RemoveVersion = %v, want ErrNotFound", err)
	}
	if doc.Latest() != "1.0.0" || len(doc.Versions) != 1 {
		t.Errorf("document mutated by failed removal: %+v", doc)
	}
}

func TestDocumentPreservesUnknownFields(t *testing.T) {
	in := `{
		"name": "pkg",
		"description": "kept",
		"readme": "# pkg",
		"dist-tags": {"latest": "1.0.0", "beta": "1.0.0"},
		"versions": {"1.0.0": {"name": "pkg", "version": "1.0.0", "main": "index.js",
			"dist": {"tarball": "https://registry.npmjs.org/pkg/-/pkg-1.0.0.tgz", "integrity": "sha512-x"}}}
	}`
	doc, err := ParseDocument([]byte(in))
	if err != nil {
		t.Fatalf("ParseDocument failed: %v", err)
	}
	m := doc.Versions["1.0.0"]
	if err := m.SetDist(Dist{Tarball: "http://local/npm/pkg/-/pkg-1.0.0.tgz", Shasum: "abc"}); err != nil {
		t.Fatalf("SetDist failed: %v", err)
	}

	out, err := doc.Bytes()
	if err != nil {
		t.Fatalf("Bytes failed: %v", err)
	}
	var decoded struct {
		Description string `json:"description"`
		Readme      string `json:"readme"`
		Versions    map[string]struct {
			Main string `json:"main"`
			Dist struct {
				Tarball   string `json:"tarball"`
				Shasum    string `json:"shasum"`
				Integrity string `json:"integrity"`
			} `json:"dist"`
		} `json:"versions"`
	}
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("output does not parse: %v", err)
	}
	if decoded.Description != "kept" || decoded.Readme != "# pkg" {
		t.Errorf("top-level fields lost: %+v", decoded)
	}
	v := decoded.Versions["1.0.0"]
	if v.Main != "index.js" || v.Dist.Integrity != "sha512-x" {
		t.Errorf("version fields lost: %+v", v)
	}
	if v.Dist.Tarball != "http://local/npm/pkg/-/pkg-1.0.0.tgz" || v.Dist.Shasum != "abc" {
		t.Errorf("dist = %+v", v.Dist)
	}
}

func TestSortedVersions(t *testing.T) {
	doc := docWithVersions(t, "", "1.0.0", "10.0.0", "2.0.0")

	lexical := doc.SortedVersions(LatestLexical)
	if lexical[0] != "2.0.0" || lexical[2] != "1.0.0" {
		t.Errorf("lexical order = %q", lexical)
	}
	semver := doc.SortedVersions(LatestSemver)
	if semver[0] != "10.0.0" || semver[2] != "1.0.0" {
		t.Errorf("semver order = %q", semver)
	}
}
