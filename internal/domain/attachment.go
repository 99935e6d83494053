package domain

import (
	"context"
	"strings"
	"time"
)

// StorageKind selects the storage backend of an attachment.
type StorageKind string

const (
	StorageFilesystem StorageKind = "filesystem"
	StorageS3         StorageKind = "s3"
)

// ParseStorageKind maps a configured storage string to a backend kind.
// Anything that is not "s3", including the empty string, is the filesystem.
func ParseStorageKind(s string) StorageKind {
	if strings.EqualFold(strings.TrimSpace(s), string(StorageS3)) {
		return StorageS3
	}
	return StorageFilesystem
}

// StylePolicy decides what a failing style does to the rest of an ingestion.
type StylePolicy string

const (
	// StylePolicyStrict aborts the ingestion and removes variants already stored.
	StylePolicyStrict StylePolicy = "strict"
	// StylePolicyBestEffort logs and skips failing styles other than the original.
	StylePolicyBestEffort StylePolicy = "best_effort"
)

// FilesystemOptions configures the filesystem backend.
type FilesystemOptions struct {
	Root string
}

// S3Options is the static object configuration merged into every upload.
type S3Options struct {
	Bucket               string
	ACL                  string
	Region               string
	CacheControl         string
	StorageClass         string
	ServerSideEncryption string
	Metadata             map[string]string
}

// ValidationOptions restricts which uploads an attachment accepts.
// Zero values mean "no restriction".
type ValidationOptions struct {
	MaxSize      int64
	ContentTypes []string
	Extensions   []string
}

// AttachmentConfig is the resolved configuration of one attachment field.
// It is built once per attachment and never mutated afterwards.
type AttachmentConfig struct {
	Name                   string
	Storage                StorageKind
	URL                    string
	Path                   string
	DefaultURL             string
	DefaultStyle           string
	KeepOldFiles           bool
	PreserveFiles          bool
	Styles                 []Style
	ImageProcessingLibrary string
	Filesystem             FilesystemOptions
	S3                     S3Options
	Validation             ValidationOptions
	Concurrency            int
	StylePolicy            StylePolicy
}

// Style returns the named style.
func (c AttachmentConfig) Style(name string) (Style, bool) {
	for _, s := range c.Styles {
		if s.Name == name {
			return s, true
		}
	}
	return Style{}, false
}

// StyleNames returns style names in configuration order.
func (c AttachmentConfig) StyleNames() []string {
	names := make([]string, 0, len(c.Styles))
	for _, s := range c.Styles {
		names = append(names, s.Name)
	}
	return names
}

// Owner is the record an attachment belongs to.
type Owner struct {
	// Class is the owning record's type, e.g. "Photo" or "media.Photo".
	Class string
	// Table is optional; interpolation falls back to a name derived from Class.
	Table string
	ID    string
}

// FileMeta is the per-record state of an attachment.
type FileMeta struct {
	FileName    string    `bson:"file_name" json:"file_name"`
	FileSize    int64     `bson:"file_size" json:"file_size"`
	ContentType string    `bson:"content_type" json:"content_type"`
	UpdatedAt   time.Time `bson:"updated_at" json:"updated_at"`
}

// Empty reports whether no file has been assigned.
func (m FileMeta) Empty() bool {
	return m.FileName == ""
}

// AttachmentRecord is the persisted result of an ingestion.
type AttachmentRecord struct {
	ID         string            `bson:"_id,omitempty" json:"id"`
	OwnerClass string            `bson:"owner_class" json:"owner_class"`
	OwnerID    string            `bson:"owner_id" json:"owner_id"`
	Name       string            `bson:"name" json:"name"`
	Meta       FileMeta          `bson:",inline" json:"meta"`
	Variants   map[string]string `bson:"variants" json:"variants"` // style -> stored path
	CreatedAt  time.Time         `bson:"created_at" json:"created_at"`
}

// InterpolationSource is what the interpolator reads from an attachment.
type InterpolationSource interface {
	Name() string
	Owner() Owner
	OriginalFilename() string
	URLTemplate() string
}

// Interpolator renders path and URL templates.
type Interpolator interface {
	Interpolate(template string, src InterpolationSource, style string) string
}

// Resizer produces the encoded bytes of one style variant.
type Resizer interface {
	Resize(ctx context.Context, file *File, style Style) ([]byte, error)
}

// Storage is the capability set shared by every storage backend.
type Storage interface {
	URL(style string) string
	Path(style string) string
	Move(ctx context.Context, source, dest string) error
	Remove(ctx context.Context, paths []string) error
}

// AttachmentRepository persists attachment records
type AttachmentRepository interface {
	// Upsert creates or replaces the record for (owner, name)
	Upsert(ctx context.Context, record *AttachmentRecord) error

	// Get returns ErrNotFound when the owner has no such attachment
	Get(ctx context.Context, owner Owner, name string) (*AttachmentRecord, error)

	// ListByOwner returns every record of an owner, sorted by name
	ListByOwner(ctx context.Context, owner Owner) ([]*AttachmentRecord, error)

	Delete(ctx context.Context, owner Owner, name string) error
}

// URLCache caches resolved style URLs per attachment
type URLCache interface {
	GetURLs(ctx context.Context, owner Owner, name string) (map[string]string, error)
	SetURLs(ctx context.Context, owner Owner, name string, urls map[string]string, ttl time.Duration) error
	InvalidateURLs(ctx context.Context, owner Owner, name string) error
	InvalidateOwner(ctx context.Context, owner Owner) error
}

// AttachmentView is an attachment record together with its public URLs.
type AttachmentView struct {
	Record *AttachmentRecord `json:"record,omitempty"`
	URLs   map[string]string `json:"urls"`
	// Failed lists styles skipped by a best-effort save, keyed by style.
	Failed map[string]string `json:"failed,omitempty"`
}

// AttachmentService attaches files to owners and resolves their URLs
type AttachmentService interface {
	// Attach ingests input (upload, URL, data URI or path), stores every style and records the result
	Attach(ctx context.Context, owner Owner, name string, input any) (*AttachmentView, error)

	// Get returns ErrNotFound when nothing is attached
	Get(ctx context.Context, owner Owner, name string) (*AttachmentView, error)

	// URLs falls back to the default URLs when nothing is attached
	URLs(ctx context.Context, owner Owner, name string) (map[string]string, error)

	Detach(ctx context.Context, owner Owner, name string) error

	// Reprocess regenerates every style from the stored original
	Reprocess(ctx context.Context, owner Owner, name string) (*AttachmentView, error)

	// List returns every attachment stored for an owner
	List(ctx context.Context, owner Owner) ([]*AttachmentView, error)

	// DetachAll removes every attachment of an owner, e.g. when the owner itself is deleted
	DetachAll(ctx context.Context, owner Owner) error
}
