// Package attachment drives the ingest, resize, store and remove cycle of one
// attachment field on one owning record.
package attachment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mansoorceksport/stapler/internal/domain"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const instrumentationName = "stapler/attachment"

var (
	meter          = otel.Meter(instrumentationName)
	storedVariants metric.Int64Counter
	failedStyles   metric.Int64Counter
)

func init() {
	storedVariants, _ = meter.Int64Counter("stapler.attachment.variants_stored",
		metric.WithDescription("Style variants moved into storage"))
	failedStyles, _ = meter.Int64Counter("stapler.attachment.styles_failed",
		metric.WithDescription("Styles that failed to process or store"))
}

// StyleError scopes a processing or storage failure to one style.
type StyleError struct {
	Style string
	Err   error
}

func (e *StyleError) Error() string {
	return fmt.Sprintf("style %q: %v", e.Style, e.Err)
}

func (e *StyleError) Unwrap() error {
	return e.Err
}

// SaveResult reports the outcome of a Save.
type SaveResult struct {
	// Variants maps style name to stored path for every style that was stored.
	Variants map[string]string
	// Failed holds styles skipped under the best-effort policy.
	Failed map[string]error
}

// Attachment is one attachment field bound to one owning record.
type Attachment struct {
	config       domain.AttachmentConfig
	owner        domain.Owner
	meta         domain.FileMeta
	storage      domain.Storage
	interpolator domain.Interpolator
	resizer      domain.Resizer
	tempDir      string
	logger       *slog.Logger

	// file is the pending upload, nil until Assign.
	file *domain.File
	// queued holds stored paths to delete on the next Save.
	queued []string
	// restore is the state before the first Assign since the last Save.
	restore *pendingState
}

// pendingState is what a failed Save returns the attachment to.
type pendingState struct {
	meta   domain.FileMeta
	queued int
	// paths are the stored paths of meta's file.
	paths map[string]bool
}

// Name returns the attachment name.
func (a *Attachment) Name() string { return a.config.Name }

// Owner returns the owning record.
func (a *Attachment) Owner() domain.Owner { return a.owner }

// OriginalFilename returns the name of the current file.
func (a *Attachment) OriginalFilename() string { return a.meta.FileName }

// URLTemplate returns the configured URL template.
func (a *Attachment) URLTemplate() string { return a.config.URL }

// Config returns the resolved configuration.
func (a *Attachment) Config() domain.AttachmentConfig { return a.config }

// ContentType returns the content type of the current file.
func (a *Attachment) ContentType() string { return a.meta.ContentType }

// Meta returns the current file metadata.
func (a *Attachment) Meta() domain.FileMeta { return a.meta }

// Storage returns the backend chosen at construction.
func (a *Attachment) Storage() domain.Storage { return a.storage }

// Interpolate renders template for style against this attachment.
func (a *Attachment) Interpolate(template, style string) string {
	return a.interpolator.Interpolate(template, a, style)
}

// Load restores metadata of a previously stored file.
func (a *Attachment) Load(meta domain.FileMeta) {
	a.meta = meta
}

// Assign validates file and makes it the pending upload. Nothing is written
// until Save. Unless old files are kept, the variants of the current file are
// queued for deletion.
func (a *Attachment) Assign(file *domain.File) error {
	if file == nil {
		return fmt.Errorf("%w: no file given", domain.ErrValidation)
	}
	if err := a.validate(file); err != nil {
		return err
	}

	if a.restore == nil {
		a.restore = &pendingState{meta: a.meta, queued: len(a.queued), paths: map[string]bool{}}
		if !a.meta.Empty() {
			for _, p := range a.pathList() {
				a.restore.paths[p] = true
			}
		}
	}
	if !a.meta.Empty() && !a.config.KeepOldFiles {
		a.queued = append(a.queued, a.pathList()...)
	}
	if a.file != nil && a.file != file {
		_ = a.file.Cleanup()
	}

	a.file = file
	a.meta = domain.FileMeta{
		FileName:    filepath.Base(file.Name),
		FileSize:    file.Size,
		ContentType: file.ContentType,
		UpdatedAt:   time.Now().UTC(),
	}
	return nil
}

func (a *Attachment) validate(file *domain.File) error {
	rules := a.config.Validation
	if rules.MaxSize > 0 && file.Size > rules.MaxSize {
		return fmt.Errorf("%w: %s is %d bytes, limit is %d", domain.ErrValidation, file.Name, file.Size, rules.MaxSize)
	}
	if len(rules.ContentTypes) > 0 && !matchContentType(rules.ContentTypes, file.ContentType) {
		return fmt.Errorf("%w: content type %q is not allowed", domain.ErrValidation, file.ContentType)
	}
	if len(rules.Extensions) > 0 && !matchExtension(rules.Extensions, file.Extension()) {
		return fmt.Errorf("%w: extension %q is not allowed", domain.ErrValidation, file.Extension())
	}
	return nil
}

// matchContentType accepts exact types and "type/*" wildcards.
func matchContentType(allowed []string, contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	for _, a := range allowed {
		a = strings.ToLower(a)
		if a == ct {
			return true
		}
		if prefix, ok := strings.CutSuffix(a, "/*"); ok && strings.HasPrefix(ct, prefix+"/") {
			return true
		}
	}
	return false
}

func matchExtension(allowed []string, ext string) bool {
	for _, a := range allowed {
		if strings.EqualFold(strings.TrimPrefix(a, "."), ext) {
			return true
		}
	}
	return false
}

// Dirty reports whether Save has work to do.
func (a *Attachment) Dirty() bool {
	return a.file != nil || len(a.queued) > 0
}

// Save resizes and stores every style of the pending upload, then deletes the
// variants queued by Assign. The pending file is cleaned up on every path.
//
// Under the strict policy any failure aborts the save, removes variants
// already stored and returns the attachment to its state before Assign, so
// the previous file stays in place. Under best effort, failing styles other
// than the original are logged and reported in SaveResult.Failed.
//
// A failure to delete queued variants after a successful save is logged and
// the paths stay queued.
func (a *Attachment) Save(ctx context.Context) (*SaveResult, error) {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "attachment.Save",
		trace.WithAttributes(
			attribute.String("attachment.name", a.config.Name),
			attribute.String("attachment.owner", a.owner.Class+"/"+a.owner.ID),
			attribute.Int("attachment.styles", len(a.config.Styles)),
		),
	)
	defer span.End()

	file := a.file
	restore := a.restore
	a.file = nil
	a.restore = nil
	if file == nil {
		if err := a.flushDeletes(ctx, nil); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		return &SaveResult{Variants: map[string]string{}, Failed: map[string]error{}}, nil
	}
	defer func() {
		if err := file.Cleanup(); err != nil {
			a.log().Warn("cleanup ingested file", "path", file.Path, "error", err)
		}
	}()

	var keep map[string]bool
	if restore != nil {
		keep = restore.paths
	}
	result, err := a.processStyles(ctx, file, keep)
	if err != nil {
		if restore != nil {
			a.meta = restore.meta
			a.queued = a.queued[:restore.queued]
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if err := a.flushDeletes(ctx, result.Variants); err != nil {
		a.log().Warn("remove previous variants",
			"attachment", a.config.Name, "owner_id", a.owner.ID, "error", err)
	}
	span.SetAttributes(attribute.Int("attachment.variants_stored", len(result.Variants)))
	return result, nil
}

// processStyles stores every style. keep holds paths of the previous file;
// an aborted save does not remove them even when a new variant overwrote one.
func (a *Attachment) processStyles(ctx context.Context, file *domain.File, keep map[string]bool) (*SaveResult, error) {
	var (
		mu     sync.Mutex
		stored = make(map[string]string, len(a.config.Styles))
		failed = map[string]error{}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(a.config.Concurrency, 1))

	for _, style := range a.config.Styles {
		g.Go(func() error {
			path, err := a.processStyle(gctx, file, style)
			if err == nil {
				mu.Lock()
				stored[style.Name] = path
				mu.Unlock()
				return nil
			}

			styleErr := &StyleError{Style: style.Name, Err: err}
			failedStyles.Add(ctx, 1, metric.WithAttributes(
				attribute.String("attachment.name", a.config.Name),
				attribute.String("attachment.style", style.Name),
			))
			if a.config.StylePolicy == domain.StylePolicyBestEffort && !style.IsOriginal() {
				a.log().Warn("skipping failed style",
					"attachment", a.config.Name, "owner_id", a.owner.ID, "style", style.Name, "error", err)
				mu.Lock()
				failed[style.Name] = styleErr
				mu.Unlock()
				return nil
			}
			return styleErr
		})
	}

	if err := g.Wait(); err != nil {
		a.rollback(ctx, stored, keep)
		return nil, err
	}
	return &SaveResult{Variants: stored, Failed: failed}, nil
}

// processStyle stages the variant of one style in a temporary file and moves
// it into storage, returning the stored path.
func (a *Attachment) processStyle(ctx context.Context, file *domain.File, style domain.Style) (string, error) {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "attachment.processStyle",
		trace.WithAttributes(
			attribute.String("attachment.style", style.Name),
			attribute.String("attachment.dimensions", style.Dimensions.Kind.String()),
		),
	)
	defer span.End()

	staged, err := a.stage(ctx, file, style)
	if err != nil {
		span.RecordError(err)
		return "", err
	}

	dest := a.storage.Path(style.Name)
	if err := a.storage.Move(ctx, staged, dest); err != nil {
		_ = os.Remove(staged)
		span.RecordError(err)
		return "", err
	}

	storedVariants.Add(ctx, 1, metric.WithAttributes(
		attribute.String("attachment.name", a.config.Name),
		attribute.String("attachment.storage", string(a.config.Storage)),
	))
	a.log().Debug("stored variant", "attachment", a.config.Name, "style", style.Name, "path", dest)
	return dest, nil
}

func (a *Attachment) stage(ctx context.Context, file *domain.File, style domain.Style) (string, error) {
	if err := os.MkdirAll(a.tempDir, 0o755); err != nil {
		return "", fmt.Errorf("%w: create temp dir: %v", domain.ErrIO, err)
	}
	process := style.NeedsProcessing() && isImage(file)
	ext := filepath.Ext(file.Name)
	if format, ok := style.ConvertOptions["format"]; ok && process {
		ext = "." + strings.ToLower(fmt.Sprint(format))
	}
	staged := filepath.Join(a.tempDir, fmt.Sprintf("stapler-%s-%s%s", style.Name, strings.ToLower(ulid.Make().String()), ext))

	// Files that are not images are stored unchanged under every style.
	if !process {
		if err := copyFile(file.Path, staged); err != nil {
			_ = os.Remove(staged)
			return "", fmt.Errorf("%w: stage %s: %v", domain.ErrIO, style.Name, err)
		}
		return staged, nil
	}

	data, err := a.resizer.Resize(ctx, file, style)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(staged, data, 0o600); err != nil {
		_ = os.Remove(staged)
		return "", fmt.Errorf("%w: stage %s: %v", domain.ErrIO, style.Name, err)
	}
	return staged, nil
}

// isImage reports whether file can go through the resizer. An unknown
// content type is left to the decoder.
func isImage(file *domain.File) bool {
	ct := strings.ToLower(strings.TrimSpace(file.ContentType))
	return ct == "" || strings.HasPrefix(ct, "image/")
}

// rollback removes variants stored by a save that is being aborted, except
// paths in keep.
func (a *Attachment) rollback(ctx context.Context, stored map[string]string, keep map[string]bool) {
	paths := make([]string, 0, len(stored))
	for _, p := range stored {
		if !keep[p] {
			paths = append(paths, p)
		}
	}
	if len(paths) == 0 {
		return
	}
	if err := a.storage.Remove(context.WithoutCancel(ctx), paths); err != nil {
		a.log().Error("rollback stored variants", "attachment", a.config.Name, "owner_id", a.owner.ID, "error", err)
	}
}

// flushDeletes removes queued paths other than the ones just written.
func (a *Attachment) flushDeletes(ctx context.Context, written map[string]string) error {
	rewritten := make(map[string]bool, len(written))
	for _, p := range written {
		rewritten[p] = true
	}
	var paths []string
	for _, p := range a.queued {
		if !rewritten[p] {
			paths = append(paths, p)
		}
	}
	if len(paths) == 0 {
		a.queued = nil
		return nil
	}
	if err := a.storage.Remove(ctx, paths); err != nil {
		a.queued = paths
		return fmt.Errorf("remove previous variants: %w", err)
	}
	a.queued = nil
	return nil
}

// Destroy removes every stored variant with a single Remove and clears the
// file metadata. Files are left in place when the attachment preserves them.
func (a *Attachment) Destroy(ctx context.Context) error {
	if a.file != nil {
		_ = a.file.Cleanup()
		a.file = nil
	}
	if a.restore != nil {
		a.meta = a.restore.meta
		a.queued = a.queued[:a.restore.queued]
		a.restore = nil
	}
	if a.meta.Empty() {
		return nil
	}

	if !a.config.PreserveFiles {
		paths := append(append([]string(nil), a.queued...), a.pathList()...)
		if err := a.storage.Remove(ctx, paths); err != nil {
			return fmt.Errorf("destroy %s: %w", a.config.Name, err)
		}
	}
	a.queued = nil
	a.meta = domain.FileMeta{}
	return nil
}

// URL returns the public URL of style, or the interpolated default URL when
// no file is attached. An empty style means the default style.
func (a *Attachment) URL(style string) string {
	if style == "" {
		style = a.config.DefaultStyle
	}
	if a.meta.Empty() {
		return a.Interpolate(a.config.DefaultURL, style)
	}
	return a.storage.URL(style)
}

// URLs returns the URL of every style.
func (a *Attachment) URLs() map[string]string {
	urls := make(map[string]string, len(a.config.Styles))
	for _, s := range a.config.Styles {
		urls[s.Name] = a.URL(s.Name)
	}
	return urls
}

// Path returns the storage path of style, or "" when no file is attached.
func (a *Attachment) Path(style string) string {
	if a.meta.Empty() {
		return ""
	}
	if style == "" {
		style = a.config.DefaultStyle
	}
	return a.storage.Path(style)
}

// Paths returns the storage path of every style, empty when no file is attached.
func (a *Attachment) Paths() map[string]string {
	paths := make(map[string]string, len(a.config.Styles))
	if a.meta.Empty() {
		return paths
	}
	for _, s := range a.config.Styles {
		paths[s.Name] = a.storage.Path(s.Name)
	}
	return paths
}

func (a *Attachment) pathList() []string {
	list := make([]string, 0, len(a.config.Styles))
	for _, s := range a.config.Styles {
		list = append(list, a.storage.Path(s.Name))
	}
	return list
}

// Record builds the persisted form of the current state.
func (a *Attachment) Record(variants map[string]string) *domain.AttachmentRecord {
	return &domain.AttachmentRecord{
		OwnerClass: a.owner.Class,
		OwnerID:    a.owner.ID,
		Name:       a.config.Name,
		Meta:       a.meta,
		Variants:   variants,
		CreatedAt:  time.Now().UTC(),
	}
}

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func (a *Attachment) log() *slog.Logger {
	if a.logger != nil {
		return a.logger
	}
	return discardLogger
}

func copyFile(source, dest string) error {
	in, err := os.Open(source)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errors.Join(err, os.Remove(dest))
	}
	return out.Close()
}
