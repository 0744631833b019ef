package cargo

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/git-pkgs/pkgserver/internal/core"
)

// Entry is one published version in a crate's index file.
type Entry struct {
	Name     string          `json:"name"`
	Vers     string          `json:"vers"`
	Deps     json.RawMessage `json:"deps"`
	Cksum    string          `json:"cksum"`
	Features json.RawMessage `json:"features"`
	Yanked   bool            `json:"yanked"`
}

var knownFields = map[string]bool{
	"name": true, "vers": true, "deps": true, "cksum": true, "features": true, "yanked": true,
}

// line keeps the exact bytes read from disk. entry is nil for lines that do not parse,
// and those lines are written back untouched.
type line struct {
	raw   []byte
	entry *Entry
}

// Index is an in-memory copy of a crate's line-delimited JSON index file.
type Index struct {
	name  string
	lines []line
}

// ParseIndex reads an index file. Blank lines are dropped; corrupt lines are kept verbatim.
func ParseIndex(name string, data []byte) *Index {
	idx := &Index{name: name}
	for _, raw := range bytes.Split(data, []byte("\n")) {
		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 {
			continue
		}
		l := line{raw: bytes.Clone(raw)}
		var e Entry
		if err := json.Unmarshal(raw, &e); err == nil && e.Vers != "" {
			l.entry = &e
		}
		idx.lines = append(idx.lines, l)
	}
	return idx
}

// Len counts every line, corrupt ones included.
func (idx *Index) Len() int {
	return len(idx.lines)
}

// Corrupt returns the lines that could not be parsed.
func (idx *Index) Corrupt() []string {
	var out []string
	for _, l := range idx.lines {
		if l.entry == nil {
			out = append(out, string(l.raw))
		}
	}
	return out
}

// Entries returns the parsed entries in file order.
func (idx *Index) Entries() []Entry {
	out := make([]Entry, 0, len(idx.lines))
	for _, l := range idx.lines {
		if l.entry != nil {
			out = append(out, *l.entry)
		}
	}
	return out
}

func (idx *Index) find(vers string) int {
	for i, l := range idx.lines {
		if l.entry != nil && l.entry.Vers == vers {
			return i
		}
	}
	return -1
}

// Find returns the entry for vers, or nil.
func (idx *Index) Find(vers string) *Entry {
	if i := idx.find(vers); i >= 0 {
		e := *idx.lines[i].entry
		return &e
	}
	return nil
}

// Append adds a new version. A version already present, yanked or not, is a conflict.
func (idx *Index) Append(e Entry) error {
	if idx.find(e.Vers) >= 0 {
		return &core.ConflictError{Ecosystem: core.Cargo, Name: idx.name, Version: e.Vers, Reason: "version already published"}
	}
	if len(e.Deps) == 0 {
		e.Deps = json.RawMessage("[]")
	}
	if len(e.Features) == 0 {
		e.Features = json.RawMessage("{}")
	}
	raw, err := encode(e)
	if err != nil {
		return err
	}
	idx.lines = append(idx.lines, line{raw: raw, entry: &e})
	return nil
}

// SetYanked flips the yanked flag of vers in place. Fields this package does not know about
// are carried over.
func (idx *Index) SetYanked(vers string, yanked bool) error {
	i := idx.find(vers)
	if i < 0 {
		return &core.NotFoundError{Ecosystem: core.Cargo, Name: idx.name, Version: vers}
	}
	l := &idx.lines[i]
	if l.entry.Yanked == yanked {
		return nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(l.raw, &fields); err != nil {
		return fmt.Errorf("decoding index line for %s: %w", vers, err)
	}
	l.entry.Yanked = yanked

	extra := false
	for k := range fields {
		if !knownFields[k] {
			extra = true
			break
		}
	}

	var raw []byte
	var err error
	if extra {
		fields["yanked"] = json.RawMessage(fmt.Sprint(yanked))
		raw, err = encode(fields)
	} else {
		raw, err = encode(*l.entry)
	}
	if err != nil {
		return err
	}
	l.raw = raw
	return nil
}

// Remove drops the line for vers.
func (idx *Index) Remove(vers string) error {
	i := idx.find(vers)
	if i < 0 {
		return &core.NotFoundError{Ecosystem: core.Cargo, Name: idx.name, Version: vers}
	}
	idx.lines = append(idx.lines[:i], idx.lines[i+1:]...)
	return nil
}

// Bytes renders the file, one line per entry with a trailing newline. An empty index renders nil.
func (idx *Index) Bytes() []byte {
	if len(idx.lines) == 0 {
		return nil
	}
	var buf bytes.Buffer
	for _, l := range idx.lines {
		buf.Write(l.raw)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// encode marshals without HTML escaping, matching what cargo itself writes.
func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encoding index line: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
