package validate

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

func tooLarge(field string, size, limit int64) error {
	return invalid(field, "", fmt.Sprintf("%s exceeds the %s limit",
		humanize.IBytes(uint64(size)), humanize.IBytes(uint64(limit))))
}

// FileSize checks size against limit. A non-positive limit means MaxUploadSize.
func FileSize(size, limit int64) error {
	if limit <= 0 {
		limit = MaxUploadSize
	}
	if size > limit {
		return tooLarge("file size", size, limit)
	}
	return nil
}

// PackageFile checks an extracted artifact before it is written to disk.
func PackageFile(data []byte, filename string) error {
	if len(data) == 0 {
		return invalid("package file", filename, "is empty")
	}
	return FileSize(int64(len(data)), MaxPackageFileSize)
}

// CargoUploadStructure checks the sizes declared by a cargo publish payload.
// The total must cover both blocks plus the two 4-byte length headers.
func CargoUploadStructure(payloadSize, metadataSize, crateSize int64) error {
	if payloadSize > MaxRequestBodySize {
		return tooLarge("payload", payloadSize, MaxRequestBodySize)
	}
	if metadataSize > MaxMetadataSize {
		return tooLarge("metadata", metadataSize, MaxMetadataSize)
	}
	if crateSize > MaxPackageFileSize {
		return tooLarge("crate", crateSize, MaxPackageFileSize)
	}
	if minSize := metadataSize + crateSize + CargoHeaderOverhead; payloadSize < minSize {
		return invalid("payload", "", fmt.Sprintf("payload size %d is smaller than expected minimum %d", payloadSize, minSize))
	}
	return nil
}

// Base64 checks an encoded attachment before it is decoded.
// Whitespace is tolerated because some clients wrap long lines.
func Base64(data string) error {
	if data == "" {
		return invalid("attachment", "", "must not be empty")
	}
	if int64(len(data)) > MaxBase64EncodedSize {
		return tooLarge("attachment", int64(len(data)), MaxBase64EncodedSize)
	}
	if decoded := int64(len(data)) * 3 / 4; decoded > MaxBase64DecodedSize {
		return tooLarge("decoded attachment", decoded, MaxBase64DecodedSize)
	}
	trimmed := strings.TrimRight(data, "=\r\n ")
	for _, r := range trimmed {
		switch {
		case isAlnum(r), r == '+', r == '/', r == '\n', r == '\r', r == ' ':
		default:
			return invalid("attachment", "", "invalid base64 characters detected")
		}
	}
	return nil
}
