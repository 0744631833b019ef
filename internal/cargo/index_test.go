package cargo

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/git-pkgs/pkgserver/internal/core"
)

func TestIndexPath(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"a", "1/a"},
		{"ab", "2/ab"},
		{"abc", "3/a/abc"},
		{"serde", "se/rd/serde"},
		{"demo-lib", "de/mo/demo-lib"},
		{"Serde_JSON", "se/rd/serde_json"},
		{"tokio", "to/ki/tokio"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IndexPath(tt.name); got != tt.want {
				t.Errorf("IndexPath(%q) = %q, want %q", tt.name, got, tt.want)
			}
		})
	}
}

func TestParseFilename(t *testing.T) {
	tests := []struct {
		filename    string
		wantName    string
		wantVersion string
		wantOK      bool
	}{
		{"serde-1.0.0.crate", "serde", "1.0.0", true},
		{"my-crate-0.1.0.crate", "my-crate", "0.1.0", true},
		{"name-with-many-dashes-1.0.0.crate", "name-with-many-dashes", "1.0.0", true},
		{"pre-1.0.0-beta.1.crate", "pre", "1.0.0-beta.1", true},
		{"foo-1.0.0-2.crate", "foo", "1.0.0-2", true},
		{"sha-1-0.10.1.crate", "sha-1", "0.10.1", true},
		{"loose-1.0.crate", "loose", "1.0", true},
		{"justname.crate", "", "", false},
		{"serde-1.0.0.tar.gz", "", "", false},
		{"-1.0.crate", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			name, version, ok := ParseFilename(tt.filename)
			if ok != tt.wantOK || name != tt.wantName || version != tt.wantVersion {
				t.Errorf("ParseFilename(%q) = (%q, %q, %v), want (%q, %q, %v)",
					tt.filename, name, version, ok, tt.wantName, tt.wantVersion, tt.wantOK)
			}
		})
	}
}

func TestIndexPreservesCorruptLines(t *testing.T) {
	data := `{"name":"foo","vers":"0.1.0","deps":[],"cksum":"aa","features":{},"yanked":false}
this is not json

{"name":"foo","vers":"0.2.0","deps":[],"cksum":"bb","features":{},"yanked":false}
`
	idx := ParseIndex("foo", []byte(data))
	if idx.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", idx.Len())
	}
	if got := idx.Corrupt(); len(got) != 1 || got[0] != "this is not json" {
		t.Errorf("Corrupt() = %q, want the garbage line", got)
	}
	if got := len(idx.Entries()); got != 2 {
		t.Errorf("len(Entries()) = %d, want 2", got)
	}

	if err := idx.SetYanked("0.2.0", true); err != nil {
		t.Fatalf("SetYanked failed: %v", err)
	}
	lines := strings.Split(strings.TrimSuffix(string(idx.Bytes()), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("rendered %d lines, want 3", len(lines))
	}
	if lines[1] != "this is not json" {
		t.Errorf("corrupt line = %q, want it unchanged", lines[1])
	}
	if !strings.Contains(lines[2], `"yanked":true`) {
		t.Errorf("yanked line = %q", lines[2])
	}
}

func TestIndexAppendConflict(t *testing.T) {
	idx := ParseIndex("foo", nil)
	if err := idx.Append(Entry{Name: "foo", Vers: "1.0.0", Cksum: "aa"}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	err := idx.Append(Entry{Name: "foo", Vers: "1.0.0", Cksum: "bb"})
	if !errors.Is(err, core.ErrConflict) {
		t.Errorf("second Append = %v, want ErrConflict", err)
	}
	if idx.Len() != 1 {
		t.Errorf("Len() = %d, want 1", idx.Len())
	}

	want := `{"name":"foo","vers":"1.0.0","deps":[],"cksum":"aa","features":{},"yanked":false}` + "\n"
	if got := string(idx.Bytes()); got != want {
		t.Errorf("Bytes() = %q, want %q", got, want)
	}
}

func TestIndexSetYankedKeepsUnknownFields(t *testing.T) {
	data := `{"name":"foo","vers":"1.0.0","deps":[],"cksum":"aa","features":{},"yanked":false,"links":"z","v":2}` + "\n"
	idx := ParseIndex("foo", []byte(data))

	if err := idx.SetYanked("1.0.0", true); err != nil {
		t.Fatalf("SetYanked failed: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(idx.Bytes(), &fields); err != nil {
		t.Fatalf("rendered line does not parse: %v", err)
	}
	if fields["links"] != "z" || fields["v"] != float64(2) {
		t.Errorf("unknown fields lost: %v", fields)
	}
	if fields["yanked"] != true {
		t.Errorf("yanked = %v, want true", fields["yanked"])
	}

	if err := idx.SetYanked("1.0.0", false); err != nil {
		t.Fatalf("SetYanked(false) failed: %v", err)
	}
	if e := idx.Find("1.0.0"); e == nil || e.Yanked {
		t.Errorf("Find after unyank = %+v, want unyanked entry", e)
	}

	if err := idx.SetYanked("9.9.9", true); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("SetYanked(missing) = %v, want ErrNotFound", err)
	}
}

func TestIndexRemove(t *testing.T) {
	idx := ParseIndex("foo", nil)
	_ = idx.Append(Entry{Name: "foo", Vers: "1.0.0"})

	if err := idx.Remove("2.0.0"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Remove(missing) = %v, want ErrNotFound", err)
	}
	if err := idx.Remove("1.0.0"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if idx.Len() != 0 || idx.Bytes() != nil {
		t.Errorf("index not empty after removing the last line: %q", idx.Bytes())
	}
}

func TestParsePublish(t *testing.T) {
	crate := []byte("crate-data")
	valid, err := EncodePublish(PublishMetadata{Name: "demo-lib", Vers: "0.1.0"}, crate)
	if err != nil {
		t.Fatalf("EncodePublish failed: %v", err)
	}

	pub, err := ParsePublish(valid)
	if err != nil {
		t.Fatalf("ParsePublish failed: %v", err)
	}
	if pub.Metadata.Name != "demo-lib" || pub.Metadata.Vers != "0.1.0" {
		t.Errorf("metadata = %+v", pub.Metadata)
	}
	if string(pub.Crate) != "crate-data" {
		t.Errorf("Crate = %q, want %q", pub.Crate, "crate-data")
	}
	if string(pub.Metadata.Deps) != "[]" || string(pub.Metadata.Features) != "{}" {
		t.Errorf("defaults = %s %s, want [] {}", pub.Metadata.Deps, pub.Metadata.Features)
	}

	badName, _ := EncodePublish(PublishMetadata{Name: "1bad", Vers: "0.1.0"}, crate)
	badVersion, _ := EncodePublish(PublishMetadata{Name: "ok", Vers: "0.1 0"}, crate)

	tests := []struct {
		name    string
		payload []byte
	}{
		{"empty", nil},
		{"too small", []byte{1, 0, 0}},
		{"metadata overruns", append([]byte{0xff, 0, 0, 0}, []byte("{}")...)},
		{"truncated crate", valid[:len(valid)-3]},
		{"bad json", append(append([]byte{2, 0, 0, 0}, []byte("{x")...), 0, 0, 0, 0)},
		{"invalid name", badName},
		{"invalid version", badVersion},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParsePublish(tt.payload); !errors.Is(err, core.ErrInvalidInput) {
				t.Errorf("ParsePublish = %v, want ErrInvalidInput", err)
			}
		})
	}
}
