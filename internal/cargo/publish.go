package cargo

import (
	"encoding/binary"
	"encoding/json"

	"github.com/git-pkgs/pkgserver/internal/core"
	"github.com/git-pkgs/pkgserver/internal/validate"
)

// PublishMetadata is the JSON block of a `cargo publish` request. Only the fields that end up
// in the index are decoded.
type PublishMetadata struct {
	Name     string          `json:"name"`
	Vers     string          `json:"vers"`
	Deps     json.RawMessage `json:"deps"`
	Features json.RawMessage `json:"features"`
}

// Publish is a decoded publish payload.
type Publish struct {
	Metadata PublishMetadata
	Crate    []byte
}

func invalidPayload(reason string) error {
	return &core.InvalidInputError{Field: "cargo payload", Reason: reason}
}

// ParsePublish decodes the binary publish body:
//
//	u32 LE metadata length | metadata JSON | u32 LE crate length | crate bytes
//
// Sizes are checked before anything is sliced.
func ParsePublish(payload []byte) (*Publish, error) {
	total := int64(len(payload))
	if total < validate.CargoHeaderOverhead {
		return nil, invalidPayload("payload too small")
	}

	metaLen := int64(binary.LittleEndian.Uint32(payload[0:4]))
	if metaLen > validate.MaxMetadataSize {
		return nil, validate.CargoUploadStructure(total, metaLen, 0)
	}
	if 4+metaLen+4 > total {
		return nil, invalidPayload("metadata length exceeds payload")
	}
	crateLen := int64(binary.LittleEndian.Uint32(payload[4+metaLen : 8+metaLen]))
	if err := validate.CargoUploadStructure(total, metaLen, crateLen); err != nil {
		return nil, err
	}

	var meta PublishMetadata
	if err := json.Unmarshal(payload[4:4+metaLen], &meta); err != nil {
		return nil, &core.InvalidInputError{Field: "cargo metadata", Reason: err.Error()}
	}
	if err := validate.PackageName(meta.Name, core.Cargo); err != nil {
		return nil, err
	}
	if err := validate.Version(meta.Vers); err != nil {
		return nil, err
	}
	if len(meta.Deps) == 0 || string(meta.Deps) == "null" {
		meta.Deps = json.RawMessage("[]")
	}
	if len(meta.Features) == 0 || string(meta.Features) == "null" {
		meta.Features = json.RawMessage("{}")
	}

	start := 8 + metaLen
	return &Publish{Metadata: meta, Crate: payload[start : start+crateLen]}, nil
}

// EncodePublish builds a publish body. It is the inverse of ParsePublish and is what
// `cargo publish` sends.
func EncodePublish(meta PublishMetadata, crate []byte) ([]byte, error) {
	m, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 8+len(m)+len(crate))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(m)))
	out = append(out, m...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(crate)))
	out = append(out, crate...)
	return out, nil
}
