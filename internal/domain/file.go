package domain

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// File is a normalized upload: a local file plus the name and type it was declared with.
type File struct {
	// Path is where the bytes live on local disk.
	Path string
	// Name is the original file name as uploaded, fetched or passed in.
	Name        string
	ContentType string
	Size        int64
	// Temporary files belong to the ingestion pipeline and are deleted by Cleanup.
	Temporary bool
}

// Extension returns the lower-cased extension of the original name, without the dot.
func (f *File) Extension() string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(f.Name)), ".")
}

// Cleanup removes the file if the pipeline owns it. Missing files are not an error.
func (f *File) Cleanup() error {
	if f == nil || !f.Temporary || f.Path == "" {
		return nil
	}
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove temporary file %s: %w", f.Path, err)
	}
	return nil
}

// MimeLookup maps between media types, extensions and file contents.
type MimeLookup interface {
	// Extension returns the preferred extension for a media type, without the dot,
	// or "" when the type is unknown.
	Extension(mediaType string) string

	// Detect sniffs the media type of a local file.
	Detect(path string) (string, error)
}
