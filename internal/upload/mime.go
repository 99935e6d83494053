package upload

import (
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// MimetypeLookup implements domain.MimeLookup with content sniffing from mimetype.
type MimetypeLookup struct{}

// NewMimetypeLookup returns a MimetypeLookup.
func NewMimetypeLookup() *MimetypeLookup {
	return &MimetypeLookup{}
}

// Extension returns the preferred extension for mediaType without the dot.
func (MimetypeLookup) Extension(mediaType string) string {
	mediaType = strings.TrimSpace(strings.ToLower(mediaType))
	if mediaType == "" {
		return ""
	}
	m := mimetype.Lookup(mediaType)
	if m == nil {
		return ""
	}
	return strings.TrimPrefix(m.Extension(), ".")
}

// Detect sniffs the media type of the file at path.
func (MimetypeLookup) Detect(path string) (string, error) {
	m, err := mimetype.DetectFile(path)
	if err != nil {
		return "", err
	}
	mediaType, _, _ := strings.Cut(m.String(), ";")
	return mediaType, nil
}
