// Package storage persists attachment variants to a filesystem root or an
// S3-compatible bucket.
package storage

import (
	"fmt"

	"github.com/mansoorceksport/stapler/internal/domain"
)

// Attachment is the view of an attachment a backend needs for interpolation,
// object configuration and content types.
type Attachment interface {
	Config() domain.AttachmentConfig
	Interpolate(template, style string) string
	ContentType() string
	OriginalFilename() string
}

// New selects the backend for an attachment. StorageS3 requires a client;
// every other kind, including an unset one, gets the filesystem.
func New(att Attachment, client ObjectClient) (domain.Storage, error) {
	switch att.Config().Storage {
	case domain.StorageS3:
		if client == nil {
			return nil, fmt.Errorf("%w: attachment %q uses s3 storage but no client is configured",
				domain.ErrAttachmentConfiguration, att.Config().Name)
		}
		return NewS3(att, client), nil
	default:
		return NewFilesystem(att), nil
	}
}
