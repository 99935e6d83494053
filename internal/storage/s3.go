package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gabriel-vasile/mimetype"
	"github.com/mansoorceksport/stapler/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "stapler/storage"

// ObjectClient is the object-storage capability the S3 backend needs.
// *S3Client satisfies it; tests use fakes.
type ObjectClient interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	ObjectURL(bucket, key string) string
}

// S3 stores variants as objects in a single bucket.
type S3 struct {
	attachment Attachment
	client     ObjectClient

	// bucketExists is scoped to this instance; mu guards it because styles
	// may be uploaded concurrently.
	mu           sync.Mutex
	bucketExists bool
}

// NewS3 creates an S3 backend for att.
func NewS3(att Attachment, client ObjectClient) *S3 {
	return &S3{attachment: att, client: client}
}

// URL asks the client for the public URL of the style's object.
func (s *S3) URL(style string) string {
	return s.client.ObjectURL(s.bucket(), s.Path(style))
}

// Path returns the object key of a style.
func (s *S3) Path(style string) string {
	return strings.TrimPrefix(s.attachment.Interpolate(s.attachment.Config().Path, style), "/")
}

func (s *S3) bucket() string {
	return s.attachment.Config().S3.Bucket
}

// Move uploads source under key dest and then deletes source, whatever the
// outcome of the upload. Failure to delete source is ignored.
func (s *S3) Move(ctx context.Context, source, dest string) error {
	defer func() { _ = os.Remove(source) }()

	ctx, span := otel.Tracer(tracerName).Start(ctx, "s3.PutObject",
		trace.WithAttributes(
			attribute.String("s3.bucket", s.bucket()),
			attribute.String("s3.key", dest),
		),
	)
	defer span.End()

	if err := s.ensureBucketExists(ctx); err != nil {
		span.RecordError(err)
		return err
	}

	body, err := os.Open(source)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: open %s: %v", domain.ErrIO, source, err)
	}
	defer body.Close()

	info, err := body.Stat()
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: stat %s: %v", domain.ErrIO, source, err)
	}

	input := s.objectInput(dest, info.Size(), s.contentType(source))
	input.Body = body
	if _, err := s.client.PutObject(ctx, input); err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: upload %s to s3://%s: %v", domain.ErrIO, dest, s.bucket(), err)
	}
	return nil
}

// objectInput merges the per-file descriptor over the attachment's static object config.
func (s *S3) objectInput(key string, size int64, contentType string) *s3.PutObjectInput {
	cfg := s.attachment.Config().S3
	input := &s3.PutObjectInput{
		Bucket:        aws.String(cfg.Bucket),
		Key:           aws.String(key),
		ContentLength: aws.Int64(size),
	}
	if cfg.ACL != "" {
		input.ACL = types.ObjectCannedACL(cfg.ACL)
	}
	if cfg.CacheControl != "" {
		input.CacheControl = aws.String(cfg.CacheControl)
	}
	if cfg.StorageClass != "" {
		input.StorageClass = types.StorageClass(cfg.StorageClass)
	}
	if cfg.ServerSideEncryption != "" {
		input.ServerSideEncryption = types.ServerSideEncryption(cfg.ServerSideEncryption)
	}
	if len(cfg.Metadata) > 0 {
		input.Metadata = cfg.Metadata
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	return input
}

// contentType is the upload's content type unless the staged variant was
// re-encoded to another format, in which case it is sniffed from the file.
func (s *S3) contentType(source string) string {
	ct := s.attachment.ContentType()
	ext := filepath.Ext(source)
	if ext == "" || strings.EqualFold(ext, filepath.Ext(s.attachment.OriginalFilename())) {
		return ct
	}
	m, err := mimetype.DetectFile(source)
	if err != nil || m.Is("application/octet-stream") {
		return ct
	}
	mediaType, _, _ := strings.Cut(m.String(), ";")
	return mediaType
}

// Remove deletes all keys in one request. An empty list sends nothing.
func (s *S3) Remove(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "s3.DeleteObjects",
		trace.WithAttributes(
			attribute.String("s3.bucket", s.bucket()),
			attribute.Int("s3.key_count", len(paths)),
		),
	)
	defer span.End()

	objects := make([]types.ObjectIdentifier, 0, len(paths))
	for _, p := range paths {
		objects = append(objects, types.ObjectIdentifier{Key: aws.String(p)})
	}

	out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(s.bucket()),
		Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: delete objects from s3://%s: %v", domain.ErrIO, s.bucket(), err)
	}
	if out != nil && len(out.Errors) > 0 {
		first := out.Errors[0]
		err := fmt.Errorf("%w: delete %s from s3://%s: %s (%d failed)", domain.ErrIO,
			aws.ToString(first.Key), s.bucket(), aws.ToString(first.Message), len(out.Errors))
		span.RecordError(err)
		return err
	}
	return nil
}

// ensureBucketExists checks the bucket at most once per instance, creating it
// with the configured ACL and region when absent.
func (s *S3) ensureBucketExists(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bucketExists {
		return nil
	}
	if err := s.buildBucket(ctx); err != nil {
		return err
	}
	s.bucketExists = true
	return nil
}

func (s *S3) buildBucket(ctx context.Context) error {
	cfg := s.attachment.Config().S3

	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)})
	if err == nil {
		return nil
	}
	if !isMissingBucket(err) {
		return fmt.Errorf("%w: check bucket %s: %v", domain.ErrIO, cfg.Bucket, err)
	}

	input := &s3.CreateBucketInput{Bucket: aws.String(cfg.Bucket)}
	if cfg.ACL != "" {
		input.ACL = types.BucketCannedACL(cfg.ACL)
	}
	// us-east-1 is the default location and must not be sent as a constraint.
	if cfg.Region != "" && cfg.Region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(cfg.Region),
		}
	}

	if _, err := s.client.CreateBucket(ctx, input); err != nil && !isExistingBucket(err) {
		return fmt.Errorf("%w: create bucket %s: %v", domain.ErrIO, cfg.Bucket, err)
	}
	return nil
}

func isMissingBucket(err error) bool {
	var notFound *types.NotFound
	var noSuchBucket *types.NoSuchBucket
	return errors.As(err, &notFound) || errors.As(err, &noSuchBucket)
}

// isExistingBucket reports a create that lost a race with another creator.
func isExistingBucket(err error) bool {
	var owned *types.BucketAlreadyOwnedByYou
	var exists *types.BucketAlreadyExists
	return errors.As(err, &owned) || errors.As(err, &exists)
}
