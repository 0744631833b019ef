package pkgserver_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/git-pkgs/pkgserver"
	"github.com/git-pkgs/pkgserver/fetch"
	"github.com/git-pkgs/pkgserver/internal/cargo"
	"github.com/git-pkgs/pkgserver/internal/config"
)

func newService(t *testing.T, opts ...pkgserver.Option) *pkgserver.Service {
	t.Helper()
	svc, err := pkgserver.New(t.TempDir(), opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(svc.Close)
	return svc
}

func crate(t *testing.T, name, version string, content []byte) []byte {
	t.Helper()
	payload, err := cargo.EncodePublish(cargo.PublishMetadata{Name: name, Vers: version}, content)
	if err != nil {
		t.Fatalf("EncodePublish failed: %v", err)
	}
	return payload
}

func indexLines(t *testing.T, svc *pkgserver.Service, name string) []string {
	t.Helper()
	data, err := svc.CargoIndex(context.Background(), name)
	if err != nil {
		t.Fatalf("CargoIndex(%s) failed: %v", name, err)
	}
	return strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
}

func TestCargoLifecycle(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	content := []byte("0123456789")

	if _, err := svc.Upload(ctx, pkgserver.Cargo, crate(t, "demo-lib", "0.1.0", content), pkgserver.UploadMetadata{}); err != nil {
		t.Fatalf("Upload 0.1.0 failed: %v", err)
	}
	indexPath := filepath.Join(svc.DataDir(), "cargo", "index", "de", "mo", "demo-lib")
	if _, err := os.Stat(indexPath); err != nil {
		t.Fatalf("index file not at de/mo/demo-lib: %v", err)
	}
	lines := indexLines(t, svc, "demo-lib")
	if len(lines) != 1 || !strings.Contains(lines[0], `"vers":"0.1.0"`) {
		t.Fatalf("index = %q", lines)
	}

	if _, err := svc.Upload(ctx, pkgserver.Cargo, crate(t, "demo-lib", "0.2.0", content), pkgserver.UploadMetadata{}); err != nil {
		t.Fatalf("Upload 0.2.0 failed: %v", err)
	}
	lines = indexLines(t, svc, "demo-lib")
	if len(lines) != 2 {
		t.Fatalf("index has %d lines, want 2", len(lines))
	}
	second := lines[1]

	result, err := svc.DeleteVersion(ctx, pkgserver.Cargo, "demo-lib", "0.1.0", false)
	if err != nil || !result.Yanked {
		t.Fatalf("yank = %+v, %v", result, err)
	}
	lines = indexLines(t, svc, "demo-lib")
	if !strings.Contains(lines[0], `"yanked":true`) {
		t.Errorf("first line = %q, want yanked", lines[0])
	}
	if lines[1] != second {
		t.Errorf("second line changed: %q, want %q", lines[1], second)
	}

	versions, err := svc.Versions(ctx, pkgserver.Cargo, "demo-lib")
	if err != nil {
		t.Fatalf("Versions failed: %v", err)
	}
	if len(versions) != 2 || versions[1].Status != pkgserver.StatusYanked {
		t.Errorf("versions = %+v", versions)
	}
	latest, err := svc.LatestVersion(ctx, pkgserver.Cargo, "demo-lib")
	if err != nil || latest == nil || latest.Number != "0.2.0" {
		t.Errorf("LatestVersion = %v, %v", latest, err)
	}

	if _, err := svc.DeleteVersion(ctx, pkgserver.Cargo, "demo-lib", "0.2.0", true); err != nil {
		t.Fatalf("force delete failed: %v", err)
	}
	if lines = indexLines(t, svc, "demo-lib"); len(lines) != 1 {
		t.Errorf("index has %d lines after force delete, want 1", len(lines))
	}

	if _, err := svc.DeleteVersion(ctx, pkgserver.Cargo, "demo-lib", "0.1.0", true); err != nil {
		t.Fatalf("force delete of last version failed: %v", err)
	}
	if _, err := os.Stat(indexPath); !os.IsNotExist(err) {
		t.Errorf("index file still present after last version was removed: %v", err)
	}
}

func TestYankAndUnyank(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	if _, err := svc.Upload(ctx, pkgserver.Cargo, crate(t, "demo", "1.0.0", []byte("x")), pkgserver.UploadMetadata{}); err != nil {
		t.Fatal(err)
	}
	if err := svc.Yank(ctx, "demo", "1.0.0"); err != nil {
		t.Fatalf("Yank failed: %v", err)
	}
	if latest, _ := svc.LatestVersion(ctx, pkgserver.Cargo, "demo"); latest != nil {
		t.Errorf("LatestVersion = %v while the only version is yanked", latest)
	}
	if err := svc.Unyank(ctx, "demo", "1.0.0"); err != nil {
		t.Fatalf("Unyank failed: %v", err)
	}
	if latest, _ := svc.LatestVersion(ctx, pkgserver.Cargo, "demo"); latest == nil || latest.Number != "1.0.0" {
		t.Errorf("LatestVersion = %v, want 1.0.0", latest)
	}
}

func npmPublish(t *testing.T, name, version string) []byte {
	t.Helper()
	filename := name + "-" + version + ".tgz"
	body, err := json.Marshal(map[string]any{
		"name":      name,
		"versions":  map[string]any{version: map[string]any{"name": name, "version": version}},
		"dist-tags": map[string]string{"latest": version},
		"_attachments": map[string]any{
			filename: map[string]any{"data": base64.StdEncoding.EncodeToString([]byte("tarball " + version))},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return body
}

func TestAllEcosystems(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, pkgserver.WithBaseURL("https://pkg.internal"))

	if _, err := svc.Upload(ctx, pkgserver.NPM, npmPublish(t, "left-pad", "1.3.0"), pkgserver.UploadMetadata{}); err != nil {
		t.Fatalf("npm Upload failed: %v", err)
	}
	if _, err := svc.Upload(ctx, pkgserver.PyPI, []byte("wheel"), pkgserver.UploadMetadata{Filename: "requests-2.31.0-py3-none-any.whl"}); err != nil {
		t.Fatalf("pypi Upload failed: %v", err)
	}
	if _, err := svc.Upload(ctx, pkgserver.Cargo, crate(t, "serde", "1.0.0", []byte("crate")), pkgserver.UploadMetadata{}); err != nil {
		t.Fatalf("cargo Upload failed: %v", err)
	}

	summaries, err := svc.Summaries(ctx, 5)
	if err != nil {
		t.Fatalf("Summaries failed: %v", err)
	}
	if len(summaries) != 3 {
		t.Fatalf("Summaries = %+v", summaries)
	}
	for _, s := range summaries {
		if s.Count != 1 || len(s.Recent) != 1 {
			t.Errorf("summary %s = %+v", s.Ecosystem, s)
		}
	}

	doc, err := svc.NPMMetadata(ctx, "left-pad")
	if err != nil {
		t.Fatalf("NPMMetadata failed: %v", err)
	}
	if !bytes.Contains(doc, []byte(`"https://pkg.internal/npm/left-pad/-/left-pad-1.3.0.tgz"`)) {
		t.Errorf("document does not link the tarball on this server:\n%s", doc)
	}

	art, err := svc.Download(ctx, pkgserver.NPM, "left-pad", "left-pad-1.3.0.tgz")
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	body, _ := io.ReadAll(art.Body)
	_ = art.Body.Close()
	if string(body) != "tarball 1.3.0" {
		t.Errorf("tarball = %q", body)
	}

	urls := svc.URLs(pkgserver.Cargo, "serde", "1.0.0")
	if urls["download"] != "https://pkg.internal/cargo/api/v1/crates/serde/1.0.0/download" {
		t.Errorf("download URL = %q", urls["download"])
	}
	if cfg := svc.CargoConfig(); cfg.API != "https://pkg.internal/cargo" {
		t.Errorf("cargo config = %+v", cfg)
	}

	versions, err := svc.VersionsFromPURL(ctx, "pkg:pypi/requests")
	if err != nil || len(versions) != 1 || versions[0].Number != "2.31.0" {
		t.Errorf("VersionsFromPURL = %+v, %v", versions, err)
	}
	latest, err := svc.LatestVersionFromPURL(ctx, "pkg:npm/left-pad")
	if err != nil || latest == nil || latest.Number != "1.3.0" {
		t.Errorf("LatestVersionFromPURL = %v, %v", latest, err)
	}
}

func TestUnsupportedEcosystem(t *testing.T) {
	svc := newService(t)
	if _, err := svc.Count(context.Background(), "gem"); !errors.Is(err, pkgserver.ErrInvalidInput) {
		t.Errorf("Count(gem) = %v, want ErrInvalidInput", err)
	}
	if _, err := pkgserver.ParseEcosystem("gem"); !errors.Is(err, pkgserver.ErrInvalidInput) {
		t.Errorf("ParseEcosystem(gem) = %v, want ErrInvalidInput", err)
	}
	if got := pkgserver.SupportedEcosystems(); len(got) != 3 {
		t.Errorf("SupportedEcosystems = %v", got)
	}
}

func TestUpstreamFallback(t *testing.T) {
	ctx := context.Background()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/crates/serde/serde-1.0.0.crate" {
			_, _ = w.Write([]byte("upstream crate"))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	resolver := fetch.Resolver{Crates: server.URL + "/crates"}
	offline := newService(t, pkgserver.WithResolver(resolver))
	if _, err := offline.Download(ctx, pkgserver.Cargo, "serde", "1.0.0"); !errors.Is(err, pkgserver.ErrNotFound) {
		t.Errorf("offline Download = %v, want ErrNotFound", err)
	}

	online := newService(t,
		pkgserver.WithUpstream(true),
		pkgserver.WithCacheOnRead(true),
		pkgserver.WithResolver(resolver),
		pkgserver.WithMaxRetries(0),
	)
	for _, want := range []pkgserver.Source{pkgserver.SourceUpstream, pkgserver.SourceLocal} {
		art, err := online.Download(ctx, pkgserver.Cargo, "serde", "1.0.0")
		if err != nil {
			t.Fatalf("Download failed: %v", err)
		}
		body, _ := io.ReadAll(art.Body)
		_ = art.Body.Close()
		if string(body) != "upstream crate" || art.Source != want {
			t.Errorf("Download = %q from %s, want upstream bytes from %s", body, art.Source, want)
		}
	}

	if _, err := online.Download(ctx, pkgserver.Cargo, "serde", "9.9.9"); !errors.Is(err, pkgserver.ErrNotFound) {
		t.Errorf("Download(missing) = %v, want ErrNotFound", err)
	}

	if states := offline.UpstreamState(); len(states) != 0 {
		t.Errorf("offline UpstreamState = %v, want empty", states)
	}
	host := strings.TrimPrefix(server.URL, "http://")
	if states := online.UpstreamState(); states[host] != "closed" {
		t.Errorf("UpstreamState = %v, want %s closed", states, host)
	}
}

func TestUpstreamToken(t *testing.T) {
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte("crate"))
	}))
	defer server.Close()

	svc := newService(t,
		pkgserver.WithUpstream(true),
		pkgserver.WithResolver(fetch.Resolver{Crates: server.URL}),
		pkgserver.WithUpstreamToken("t0ken"),
		pkgserver.WithMaxRetries(0),
	)
	art, err := svc.Download(context.Background(), pkgserver.Cargo, "serde", "1.0.0")
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	_ = art.Body.Close()
	if auth != "Bearer t0ken" {
		t.Errorf("Authorization = %q, want %q", auth, "Bearer t0ken")
	}
}

func TestNewFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Upstream.Enabled = false
	cfg.NPM.LatestPolicy = "semver"

	svc, err := pkgserver.NewFromConfig(cfg, nil)
	if err != nil {
		t.Fatalf("NewFromConfig failed: %v", err)
	}
	defer svc.Close()
	if svc.DataDir() != cfg.DataDir {
		t.Errorf("DataDir = %q, want %q", svc.DataDir(), cfg.DataDir)
	}

	cfg.NPM.LatestPolicy = "newest"
	if _, err := pkgserver.NewFromConfig(cfg, nil); !errors.Is(err, pkgserver.ErrInvalidInput) {
		t.Errorf("NewFromConfig(bad policy) = %v, want ErrInvalidInput", err)
	}
}
