package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/mansoorceksport/stapler/internal/domain"
)

// Filesystem stores variants below a root directory.
type Filesystem struct {
	attachment Attachment
}

// NewFilesystem creates a filesystem backend for att.
func NewFilesystem(att Attachment) *Filesystem {
	return &Filesystem{attachment: att}
}

// URL returns the interpolated URL template. No existence check is made.
func (f *Filesystem) URL(style string) string {
	return f.attachment.Interpolate(f.attachment.Config().URL, style)
}

// Path returns the interpolated path joined under the configured root.
func (f *Filesystem) Path(style string) string {
	rel := f.attachment.Interpolate(f.attachment.Config().Path, style)
	return filepath.Join(f.root(), filepath.FromSlash(rel))
}

func (f *Filesystem) root() string {
	return f.attachment.Config().Filesystem.Root
}

// Move relocates source to dest, creating parents and replacing whatever is there.
func (f *Filesystem) Move(ctx context.Context, source, dest string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !f.within(dest) {
		return fmt.Errorf("%w: %s is outside the storage root", domain.ErrValidation, dest)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("%w: create directory for %s: %v", domain.ErrIO, dest, err)
	}

	if err := os.Rename(source, dest); err != nil {
		// Rename fails across devices (e.g. a tmpfs temp dir); fall back to copying.
		if err := copyFile(source, dest); err != nil {
			return fmt.Errorf("%w: move %s to %s: %v", domain.ErrIO, source, dest, err)
		}
		_ = os.Remove(source)
	}

	if err := os.Chmod(dest, 0o644); err != nil {
		return fmt.Errorf("%w: chmod %s: %v", domain.ErrIO, dest, err)
	}
	return nil
}

// Remove deletes every path that exists and prunes directories left empty,
// never climbing above the root.
func (f *Filesystem) Remove(ctx context.Context, paths []string) error {
	var errs []error
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !f.within(p) {
			errs = append(errs, fmt.Errorf("%w: %s is outside the storage root", domain.ErrValidation, p))
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("%w: remove %s: %v", domain.ErrIO, p, err))
			continue
		}
		f.pruneEmptyDirs(filepath.Dir(p))
	}
	return errors.Join(errs...)
}

// within reports whether p resolves strictly below the root. Interpolated
// owner ids can carry ".." segments.
func (f *Filesystem) within(p string) bool {
	root, err := filepath.Abs(f.root())
	if err != nil {
		return false
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return false
	}
	prefix := root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(abs, prefix)
}

func (f *Filesystem) pruneEmptyDirs(dir string) {
	root, err := filepath.Abs(f.root())
	if err != nil {
		return
	}
	for {
		abs, err := filepath.Abs(dir)
		if err != nil || abs == root || !strings.HasPrefix(abs, root+string(filepath.Separator)) {
			return
		}
		// os.Remove refuses non-empty directories, which ends the walk.
		if err := os.Remove(abs); err != nil {
			return
		}
		dir = filepath.Dir(abs)
	}
}

func copyFile(source, dest string) error {
	in, err := os.Open(source)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
