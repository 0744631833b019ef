package npm

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/git-pkgs/pkgserver/internal/core"
	"github.com/git-pkgs/pkgserver/internal/validate"
)

// Publish is a decoded `npm publish` body: a document plus base64 tarballs keyed by filename.
type Publish struct {
	Doc         *Document
	Attachments map[string][]byte
}

type attachment struct {
	ContentType string `json:"content_type"`
	Data        string `json:"data"`
	Length      int64  `json:"length"`
}

// ParsePublish decodes and validates a publish body. Attachments are decoded here so nothing
// reaches disk before every tarball has passed validation.
func ParsePublish(data []byte) (*Publish, error) {
	if err := validate.FileSize(int64(len(data)), validate.MaxRequestBodySize); err != nil {
		return nil, err
	}
	doc, err := ParseDocument(data)
	if err != nil {
		return nil, &core.InvalidInputError{Field: "npm publish body", Reason: err.Error()}
	}
	if err := validate.PackageName(doc.Name, core.NPM); err != nil {
		return nil, err
	}
	if len(doc.Versions) == 0 {
		return nil, &core.InvalidInputError{Field: "npm publish body", Reason: "no versions"}
	}
	for v := range doc.Versions {
		if err := validate.Version(v); err != nil {
			return nil, err
		}
	}

	var raw map[string]attachment
	if blob, ok := doc.extra["_attachments"]; ok {
		delete(doc.extra, "_attachments")
		if err := json.Unmarshal(blob, &raw); err != nil {
			return nil, &core.InvalidInputError{Field: "_attachments", Reason: err.Error()}
		}
	}
	if len(raw) == 0 {
		return nil, &core.InvalidInputError{Field: "_attachments", Reason: "no tarball attached"}
	}

	pub := &Publish{Doc: doc, Attachments: make(map[string][]byte, len(raw))}
	for filename, a := range raw {
		if err := validate.Filename(filename); err != nil {
			return nil, err
		}
		if !strings.HasSuffix(filename, ".tgz") {
			return nil, &core.InvalidInputError{Field: "attachment", Value: filename, Reason: "must be a .tgz tarball"}
		}
		if err := validate.Base64(a.Data); err != nil {
			return nil, err
		}
		tarball, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(a.Data), ""))
		if err != nil {
			return nil, &core.InvalidInputError{Field: "attachment", Value: filename, Reason: "invalid base64 encoding"}
		}
		if err := validate.PackageFile(tarball, filename); err != nil {
			return nil, err
		}
		pub.Attachments[filename] = tarball
	}
	return pub, nil
}

// TarballFilename is the conventional attachment and storage name of a version's tarball.
func TarballFilename(name, version string) string {
	return name + "-" + version + ".tgz"
}

// tarballFor picks the attachment belonging to version.
func (p *Publish) tarballFor(version string) (string, []byte, error) {
	filename := TarballFilename(p.Doc.Name, version)
	if data, ok := p.Attachments[filename]; ok {
		return filename, data, nil
	}
	if len(p.Attachments) == 1 && len(p.Doc.Versions) == 1 {
		for filename, data := range p.Attachments {
			return filename, data, nil
		}
	}
	return "", nil, &core.InvalidInputError{Field: "_attachments", Value: version, Reason: "no tarball for version"}
}
