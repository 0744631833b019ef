package pypi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/git-pkgs/pkgserver/fetch"
	"github.com/git-pkgs/pkgserver/internal/core"
	"github.com/git-pkgs/pkgserver/internal/storage"
)

func newTestRegistry(t *testing.T, opts ...Option) (*Registry, *storage.Layout) {
	t.Helper()
	layout := storage.NewLayout(t.TempDir())
	if err := layout.Init(); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	return New(layout, opts...), layout
}

func upload(t *testing.T, r *Registry, filename, content string) *core.UploadResult {
	t.Helper()
	res, err := r.Upload(context.Background(), []byte(content), core.UploadMetadata{Filename: filename})
	if err != nil {
		t.Fatalf("Upload(%s) failed: %v", filename, err)
	}
	return res
}

// writeFile places a distribution without a sidecar, as older installations stored them.
func writeFile(t *testing.T, layout *storage.Layout, filename, content string, mtime time.Time) {
	t.Helper()
	path := filepath.Join(layout.PyPIPackages(), filename)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

func TestUpload(t *testing.T) {
	ctx := context.Background()
	r, layout := newTestRegistry(t)

	res := upload(t, r, "testpkg-1.0.0-py3-none-any.whl", "wheel bytes")
	if res.Name != "testpkg" || res.Version != "1.0.0" {
		t.Errorf("result = %+v", res)
	}
	if res.Checksum != storage.SHA256Hex([]byte("wheel bytes")) {
		t.Errorf("Checksum = %q, want sha256 of the file", res.Checksum)
	}
	sidecar, err := os.ReadFile(filepath.Join(layout.PyPIPackages(), "testpkg-1.0.0-py3-none-any.whl.meta"))
	if err != nil {
		t.Fatalf("sidecar missing: %v", err)
	}
	if string(sidecar) != res.Checksum {
		t.Errorf("sidecar = %q, want %q", sidecar, res.Checksum)
	}

	_, err = r.Upload(ctx, []byte("other"), core.UploadMetadata{Filename: "testpkg-1.0.0-py3-none-any.whl"})
	if !errors.Is(err, core.ErrConflict) {
		t.Errorf("re-upload = %v, want ErrConflict", err)
	}
	data, _ := os.ReadFile(filepath.Join(layout.PyPIPackages(), "testpkg-1.0.0-py3-none-any.whl"))
	if string(data) != "wheel bytes" {
		t.Errorf("stored file = %q after rejected re-upload", data)
	}
}

func TestUploadRejects(t *testing.T) {
	r, layout := newTestRegistry(t)
	tests := []struct {
		name string
		meta core.UploadMetadata
		data string
	}{
		{"missing filename", core.UploadMetadata{}, "x"},
		{"wrong extension", core.UploadMetadata{Filename: "pkg-1.0.zip"}, "x"},
		{"no version", core.UploadMetadata{Filename: "pkg.tar.gz"}, "x"},
		{"traversal", core.UploadMetadata{Filename: "../pkg-1.0.tar.gz"}, "x"},
		{"leading digit", core.UploadMetadata{Filename: "1pkg-1.0.tar.gz"}, "x"},
		{"other project", core.UploadMetadata{Name: "other", Filename: "pkg-1.0.tar.gz"}, "x"},
		{"other version", core.UploadMetadata{Version: "2.0", Filename: "pkg-1.0.tar.gz"}, "x"},
		{"empty", core.UploadMetadata{Filename: "pkg-1.0.tar.gz"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Upload(context.Background(), []byte(tt.data), tt.meta)
			if !errors.Is(err, core.ErrInvalidInput) {
				t.Errorf("Upload = %v, want ErrInvalidInput", err)
			}
		})
	}
	if entries, _ := os.ReadDir(layout.PyPIPackages()); len(entries) != 0 {
		t.Errorf("rejected uploads left %d files", len(entries))
	}
}

func TestListAndCount(t *testing.T) {
	ctx := context.Background()
	r, layout := newTestRegistry(t)
	now := time.Now()
	writeFile(t, layout, "My_Package-1.0.0-py3-none-any.whl", "a", now)
	writeFile(t, layout, "my.package-2.0.0.tar.gz", "b", now)
	writeFile(t, layout, "my-package-3.0.0.tar.gz", "c", now)
	writeFile(t, layout, "flask-2.0.0.tar.gz", "d", now)
	writeFile(t, layout, "README.txt", "e", now)

	names, err := r.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll failed: %v", err)
	}
	if fmt.Sprint(names) != "[flask my-package]" {
		t.Errorf("ListAll = %q, want [flask my-package]", names)
	}
	count, err := r.Count(ctx)
	if err != nil || count != 2 {
		t.Errorf("Count = %d, %v, want 2", count, err)
	}
}

func TestVersions(t *testing.T) {
	ctx := context.Background()
	r, layout := newTestRegistry(t)
	upload(t, r, "testpkg-1.0.0-py3-none-any.whl", "one")
	upload(t, r, "testpkg-2.0.0-py3-none-any.whl", "two")
	upload(t, r, "testpkg-2.0.0.tar.gz", "two-sdist")
	writeFile(t, layout, "testpkg-0.9.0.tar.gz", "legacy", time.Now())

	versions, err := r.Versions(ctx, "TestPkg")
	if err != nil {
		t.Fatalf("Versions failed: %v", err)
	}
	want := []struct{ number, locator, content string }{
		{"2.0.0", "testpkg-2.0.0-py3-none-any.whl", "two"},
		{"2.0.0", "testpkg-2.0.0.tar.gz", "two-sdist"},
		{"1.0.0", "testpkg-1.0.0-py3-none-any.whl", "one"},
		{"0.9.0", "testpkg-0.9.0.tar.gz", "legacy"},
	}
	if len(versions) != len(want) {
		t.Fatalf("Versions = %+v", versions)
	}
	for i, w := range want {
		v := versions[i]
		if v.Number != w.number || v.Locator != w.locator {
			t.Errorf("versions[%d] = %s %s, want %s %s", i, v.Number, v.Locator, w.number, w.locator)
		}
		if v.Checksum != storage.SHA256Hex([]byte(w.content)) {
			t.Errorf("versions[%d].Checksum = %q", i, v.Checksum)
		}
		if v.Size != int64(len(w.content)) {
			t.Errorf("versions[%d].Size = %d, want %d", i, v.Size, len(w.content))
		}
	}

	if _, err := r.Versions(ctx, "absent"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Versions(absent) = %v, want ErrNotFound", err)
	}
}

func TestRecentDeduplicates(t *testing.T) {
	r, layout := newTestRegistry(t)
	base := time.Now().Add(-time.Hour)
	writeFile(t, layout, "old-package-1.0.0.whl", "old", base)
	writeFile(t, layout, "newer-package-1.0.0.whl", "newer", base.Add(time.Minute))
	writeFile(t, layout, "newest-package-1.0.0.whl", "newest", base.Add(2*time.Minute))
	writeFile(t, layout, "newest-package-1.1.0.tar.gz", "newest", base.Add(3*time.Minute))

	recent, err := r.Recent(context.Background(), 2)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("Recent = %+v", recent)
	}
	if recent[0] != (core.RecentPackage{Name: "newest-package", Version: "1.1.0"}) {
		t.Errorf("recent[0] = %+v", recent[0])
	}
	if recent[1].Name != "newer-package" {
		t.Errorf("recent[1] = %+v, want newer-package", recent[1])
	}
}

func TestDeleteVersion(t *testing.T) {
	ctx := context.Background()
	r, layout := newTestRegistry(t)
	upload(t, r, "pkg-1.0.1-py3-none-any.whl", "a")
	upload(t, r, "pkg-1.0.1.tar.gz", "b")
	upload(t, r, "pkg-1.0.10-py3-none-any.whl", "c")

	result, err := r.DeleteVersion(ctx, "pkg", "1.0.1", false)
	if err != nil {
		t.Fatalf("DeleteVersion failed: %v", err)
	}
	if len(result.Removed) != 4 {
		t.Errorf("Removed = %q, want 2 files and 2 sidecars", result.Removed)
	}

	entries, _ := os.ReadDir(layout.PyPIPackages())
	var left []string
	for _, e := range entries {
		left = append(left, e.Name())
	}
	if fmt.Sprint(left) != "[pkg-1.0.10-py3-none-any.whl pkg-1.0.10-py3-none-any.whl.meta]" {
		t.Errorf("remaining files = %q", left)
	}

	if _, err := r.DeleteVersion(ctx, "pkg", "1.0.1", false); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("second DeleteVersion = %v, want ErrNotFound", err)
	}
}

func TestDeleteAll(t *testing.T) {
	ctx := context.Background()
	r, layout := newTestRegistry(t)
	upload(t, r, "my_pkg-1.0-py3-none-any.whl", "a")
	upload(t, r, "my-pkg-2.0.tar.gz", "b")
	upload(t, r, "my-pkg-extra-1.0.tar.gz", "c")

	result, err := r.DeleteAll(ctx, "My.Pkg")
	if err != nil {
		t.Fatalf("DeleteAll failed: %v", err)
	}
	if len(result.Removed) != 4 {
		t.Errorf("Removed = %q", result.Removed)
	}
	if _, err := os.Stat(filepath.Join(layout.PyPIPackages(), "my-pkg-extra-1.0.tar.gz")); err != nil {
		t.Errorf("unrelated project removed: %v", err)
	}
	if _, err := r.DeleteAll(ctx, "my-pkg"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("second DeleteAll = %v, want ErrNotFound", err)
	}
}

func TestDownload(t *testing.T) {
	ctx := context.Background()
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/pypi/requests/json":
			fmt.Fprintf(w, `{"urls":[{"filename":"requests-2.31.0-py3-none-any.whl","url":"%s/files/requests-2.31.0-py3-none-any.whl"}],"releases":{}}`, server.URL)
		case "/files/requests-2.31.0-py3-none-any.whl":
			_, _ = w.Write([]byte("upstream wheel"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	f := fetch.NewFetcher(fetch.WithMaxRetries(0))
	defer f.Close()
	upstream := fetch.NewUpstream(f, fetch.UpstreamConfig{Enabled: true, Resolver: fetch.Resolver{PyPI: server.URL}})
	r, layout := newTestRegistry(t, WithUpstream(upstream), WithCacheOnRead(true))
	upload(t, r, "local-1.0.tar.gz", "local sdist")

	tests := []struct {
		project, file string
		want          string
		source        core.Source
	}{
		{"local", "local-1.0.tar.gz", "local sdist", core.SourceLocal},
		{"requests", "requests-2.31.0-py3-none-any.whl", "upstream wheel", core.SourceUpstream},
		{"requests", "requests-2.31.0-py3-none-any.whl", "upstream wheel", core.SourceLocal},
	}
	for _, tt := range tests {
		art, err := r.Download(ctx, tt.project, tt.file)
		if err != nil {
			t.Fatalf("Download(%s) failed: %v", tt.file, err)
		}
		body, _ := io.ReadAll(art.Body)
		_ = art.Body.Close()
		if string(body) != tt.want || art.Source != tt.source {
			t.Errorf("Download(%s) = %q from %s, want %q from %s", tt.file, body, art.Source, tt.want, tt.source)
		}
	}
	if _, err := os.Stat(filepath.Join(layout.PyPIPackages(), "requests-2.31.0-py3-none-any.whl")); err != nil {
		t.Errorf("upstream file not cached: %v", err)
	}

	if _, err := r.Download(ctx, "requests", "requests-0.0.1.tar.gz"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Download(unknown file) = %v, want ErrNotFound", err)
	}
	if _, err := r.Download(ctx, "missing", "missing-1.0.tar.gz"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Download(unknown project) = %v, want ErrNotFound", err)
	}
}

func TestDownloadOffline(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Download(context.Background(), "requests", "requests-2.31.0-py3-none-any.whl")
	if !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Download = %v, want ErrNotFound", err)
	}
}
