package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/mansoorceksport/stapler/internal/attachment"
	"github.com/mansoorceksport/stapler/internal/config"
	"github.com/mansoorceksport/stapler/internal/domain"
)

const (
	defaultURLCacheTTL = 10 * time.Minute
)

// AttachmentFactory builds an Attachment bound to one owner
type AttachmentFactory interface {
	Create(name string, owner domain.Owner, overrides config.AttachmentOptions) (*attachment.Attachment, error)
}

// FileFactory normalizes any supported input into a local file
type FileFactory interface {
	Create(ctx context.Context, input any) (*domain.File, error)
	Snapshot(path string) (*domain.File, error)
}

// AttachmentServiceImpl implements domain.AttachmentService
type AttachmentServiceImpl struct {
	attachments AttachmentFactory
	files       FileFactory
	repository  domain.AttachmentRepository
	cache       domain.URLCache
	cacheTTL    time.Duration
	logger      *slog.Logger
}

// NewAttachmentService creates a new attachment service. cache may be nil.
func NewAttachmentService(
	attachments AttachmentFactory,
	files FileFactory,
	repository domain.AttachmentRepository,
	cache domain.URLCache,
	cacheTTL time.Duration,
	logger *slog.Logger,
) *AttachmentServiceImpl {
	if cacheTTL <= 0 {
		cacheTTL = defaultURLCacheTTL
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &AttachmentServiceImpl{
		attachments: attachments,
		files:       files,
		repository:  repository,
		cache:       cache,
		cacheTTL:    cacheTTL,
		logger:      logger,
	}
}

// load builds the attachment and restores the stored record, if any
func (s *AttachmentServiceImpl) load(ctx context.Context, owner domain.Owner, name string) (*attachment.Attachment, *domain.AttachmentRecord, error) {
	att, err := s.attachments.Create(name, owner, config.AttachmentOptions{})
	if err != nil {
		return nil, nil, err
	}

	record, err := s.repository.Get(ctx, owner, name)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return att, nil, nil
		}
		return nil, nil, fmt.Errorf("failed to load attachment record: %w", err)
	}
	att.Load(record.Meta)
	return att, record, nil
}

// Attach orchestrates the whole ingestion workflow
func (s *AttachmentServiceImpl) Attach(ctx context.Context, owner domain.Owner, name string, input any) (*domain.AttachmentView, error) {
	// Step 1: Build the attachment with its current state so old variants get replaced
	att, _, err := s.load(ctx, owner, name)
	if err != nil {
		return nil, err
	}

	// Step 2: Normalize the input into a local file
	file, err := s.files.Create(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to ingest file: %w", err)
	}

	return s.store(ctx, owner, name, att, file)
}

// Reprocess regenerates every style of a stored attachment from its original,
// e.g. after its styles changed. Variants are overwritten in place; a failing
// style other than the original is reported in the view.
func (s *AttachmentServiceImpl) Reprocess(ctx context.Context, owner domain.Owner, name string) (*domain.AttachmentView, error) {
	att, err := s.attachments.Create(name, owner, config.AttachmentOptions{
		KeepOldFiles: config.Ptr(true),
		StylePolicy:  config.Ptr(string(domain.StylePolicyBestEffort)),
	})
	if err != nil {
		return nil, err
	}
	record, err := s.repository.Get(ctx, owner, name)
	if err != nil {
		return nil, err
	}
	att.Load(record.Meta)

	var file *domain.File
	if att.Config().Storage == domain.StorageS3 {
		file, err = s.files.Create(ctx, att.URL(domain.OriginalStyle))
	} else {
		src := record.Variants[domain.OriginalStyle]
		if src == "" {
			src = att.Path(domain.OriginalStyle)
		}
		file, err = s.files.Snapshot(src)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read original: %w", err)
	}
	file.Name = record.Meta.FileName
	if record.Meta.ContentType != "" {
		file.ContentType = record.Meta.ContentType
	}

	return s.store(ctx, owner, name, att, file)
}

// store validates, processes and records file for att
func (s *AttachmentServiceImpl) store(ctx context.Context, owner domain.Owner, name string, att *attachment.Attachment, file *domain.File) (*domain.AttachmentView, error) {
	// Step 3: Validate and assign
	if err := att.Assign(file); err != nil {
		_ = file.Cleanup()
		return nil, err
	}

	// Step 4: Resize and store every style
	result, err := att.Save(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to store attachment: %w", err)
	}

	// Step 5: Persist the record, removing the new variants if that fails
	record := att.Record(result.Variants)
	if err := s.repository.Upsert(ctx, record); err != nil {
		paths := make([]string, 0, len(result.Variants))
		for _, p := range result.Variants {
			paths = append(paths, p)
		}
		if rmErr := att.Storage().Remove(context.WithoutCancel(ctx), paths); rmErr != nil {
			s.logger.Error("failed to remove orphaned variants", "owner_id", owner.ID, "attachment", name, "error", rmErr)
		}
		return nil, fmt.Errorf("failed to save attachment record: %w", err)
	}

	// Step 6: Refresh cached URLs
	urls := att.URLs()
	s.cacheURLs(ctx, owner, name, urls)

	view := &domain.AttachmentView{Record: record, URLs: urls}
	if len(result.Failed) > 0 {
		view.Failed = make(map[string]string, len(result.Failed))
		for style, err := range result.Failed {
			view.Failed[style] = err.Error()
		}
	}

	s.logger.Info("attachment stored",
		"owner_class", owner.Class, "owner_id", owner.ID, "attachment", name,
		"file", record.Meta.FileName, "variants", len(result.Variants), "failed", len(result.Failed))
	return view, nil
}

// Get returns the stored record and its URLs
func (s *AttachmentServiceImpl) Get(ctx context.Context, owner domain.Owner, name string) (*domain.AttachmentView, error) {
	att, record, err := s.load(ctx, owner, name)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, domain.ErrNotFound
	}
	return &domain.AttachmentView{Record: record, URLs: att.URLs()}, nil
}

// URLs returns the style URLs of an attachment, cache first
func (s *AttachmentServiceImpl) URLs(ctx context.Context, owner domain.Owner, name string) (map[string]string, error) {
	if s.cache != nil {
		cached, err := s.cache.GetURLs(ctx, owner, name)
		if err != nil {
			s.logger.Warn("url cache read failed", "owner_id", owner.ID, "attachment", name, "error", err)
		} else if cached != nil {
			return cached, nil
		}
	}

	att, _, err := s.load(ctx, owner, name)
	if err != nil {
		return nil, err
	}
	urls := att.URLs()
	s.cacheURLs(ctx, owner, name, urls)
	return urls, nil
}

// Detach removes every stored variant and the record
func (s *AttachmentServiceImpl) Detach(ctx context.Context, owner domain.Owner, name string) error {
	att, record, err := s.load(ctx, owner, name)
	if err != nil {
		return err
	}
	if record == nil {
		return domain.ErrNotFound
	}

	if err := att.Destroy(ctx); err != nil {
		return fmt.Errorf("failed to remove attachment files: %w", err)
	}
	if err := s.repository.Delete(ctx, owner, name); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("failed to delete attachment record: %w", err)
	}
	s.invalidate(ctx, owner, name)

	s.logger.Info("attachment removed", "owner_class", owner.Class, "owner_id", owner.ID, "attachment", name)
	return nil
}

// List returns every attachment stored for an owner. Records whose
// attachment is no longer configured are skipped.
func (s *AttachmentServiceImpl) List(ctx context.Context, owner domain.Owner) ([]*domain.AttachmentView, error) {
	records, err := s.repository.ListByOwner(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to list attachment records: %w", err)
	}

	views := make([]*domain.AttachmentView, 0, len(records))
	for _, record := range records {
		att, err := s.attachments.Create(record.Name, owner, config.AttachmentOptions{})
		if err != nil {
			s.logger.Warn("skipping unconfigured attachment", "owner_id", owner.ID, "attachment", record.Name, "error", err)
			continue
		}
		att.Load(record.Meta)
		views = append(views, &domain.AttachmentView{Record: record, URLs: att.URLs()})
	}
	return views, nil
}

// DetachAll removes every attachment of an owner. It keeps going after a
// failure and reports all of them.
func (s *AttachmentServiceImpl) DetachAll(ctx context.Context, owner domain.Owner) error {
	records, err := s.repository.ListByOwner(ctx, owner)
	if err != nil {
		return fmt.Errorf("failed to list attachment records: %w", err)
	}

	var errs []error
	for _, record := range records {
		att, err := s.attachments.Create(record.Name, owner, config.AttachmentOptions{})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", record.Name, err))
			continue
		}
		att.Load(record.Meta)
		if err := att.Destroy(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", record.Name, err))
			continue
		}
		if err := s.repository.Delete(ctx, owner, record.Name); err != nil && !errors.Is(err, domain.ErrNotFound) {
			errs = append(errs, fmt.Errorf("%s: %w", record.Name, err))
		}
	}

	if s.cache != nil {
		if err := s.cache.InvalidateOwner(ctx, owner); err != nil {
			s.logger.Warn("url cache invalidation failed", "owner_id", owner.ID, "error", err)
		}
	}

	s.logger.Info("owner attachments removed", "owner_class", owner.Class, "owner_id", owner.ID,
		"attachments", len(records), "failed", len(errs))
	return errors.Join(errs...)
}

// cacheURLs is best effort; a cache failure never fails the request
func (s *AttachmentServiceImpl) cacheURLs(ctx context.Context, owner domain.Owner, name string, urls map[string]string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SetURLs(ctx, owner, name, urls, s.cacheTTL); err != nil {
		s.logger.Warn("url cache write failed", "owner_id", owner.ID, "attachment", name, "error", err)
	}
}

func (s *AttachmentServiceImpl) invalidate(ctx context.Context, owner domain.Owner, name string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateURLs(ctx, owner, name); err != nil {
		s.logger.Warn("url cache invalidation failed", "owner_id", owner.ID, "attachment", name, "error", err)
	}
}
