package cargo

import (
	"path"
	"strings"
)

// IndexPath returns the sparse index location of a crate, relative to the index root.
// It follows the crates.io layout so cargo clients can fetch files directly.
//
//	a       -> 1/a
//	ab      -> 2/ab
//	abc     -> 3/a/abc
//	serde   -> se/rd/serde
func IndexPath(name string) string {
	name = strings.ToLower(name)
	switch len(name) {
	case 0:
		return ""
	case 1:
		return path.Join("1", name)
	case 2:
		return path.Join("2", name)
	case 3:
		return path.Join("3", name[:1], name)
	default:
		return path.Join(name[:2], name[2:4], name)
	}
}
