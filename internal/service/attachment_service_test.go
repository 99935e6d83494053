package service

import (
	"context"
	"errors"
	"image/color"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/mansoorceksport/stapler/internal/attachment"
	"github.com/mansoorceksport/stapler/internal/config"
	"github.com/mansoorceksport/stapler/internal/domain"
	"github.com/mansoorceksport/stapler/internal/upload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryRepository struct {
	mu      sync.Mutex
	records map[string]*domain.AttachmentRecord
	failOn  error
}

func newMemoryRepository() *memoryRepository {
	return &memoryRepository{records: map[string]*domain.AttachmentRecord{}}
}

func recordKey(owner domain.Owner, name string) string {
	return owner.Class + "/" + owner.ID + "/" + name
}

func (r *memoryRepository) Upsert(ctx context.Context, record *domain.AttachmentRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failOn != nil {
		return r.failOn
	}
	copied := *record
	r.records[recordKey(domain.Owner{Class: record.OwnerClass, ID: record.OwnerID}, record.Name)] = &copied
	return nil
}

func (r *memoryRepository) Get(ctx context.Context, owner domain.Owner, name string) (*domain.AttachmentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[recordKey(owner, name)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *rec
	return &copied, nil
}

func (r *memoryRepository) ListByOwner(ctx context.Context, owner domain.Owner) ([]*domain.AttachmentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.AttachmentRecord
	for _, rec := range r.records {
		if rec.OwnerClass == owner.Class && rec.OwnerID == owner.ID {
			copied := *rec
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *memoryRepository) Delete(ctx context.Context, owner domain.Owner, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[recordKey(owner, name)]; !ok {
		return domain.ErrNotFound
	}
	delete(r.records, recordKey(owner, name))
	return nil
}

type memoryCache struct {
	mu   sync.Mutex
	urls map[string]map[string]string
	hits int
}

func newMemoryCache() *memoryCache {
	return &memoryCache{urls: map[string]map[string]string{}}
}

func (c *memoryCache) GetURLs(ctx context.Context, owner domain.Owner, name string) (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	urls, ok := c.urls[recordKey(owner, name)]
	if ok {
		c.hits++
	}
	return urls, nil
}

func (c *memoryCache) SetURLs(ctx context.Context, owner domain.Owner, name string, urls map[string]string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.urls[recordKey(owner, name)] = urls
	return nil
}

func (c *memoryCache) InvalidateURLs(ctx context.Context, owner domain.Owner, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.urls, recordKey(owner, name))
	return nil
}

func (c *memoryCache) InvalidateOwner(ctx context.Context, owner domain.Owner) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := owner.Class + "/" + owner.ID + "/"
	for key := range c.urls {
		if strings.HasPrefix(key, prefix) {
			delete(c.urls, key)
		}
	}
	return nil
}

type fixture struct {
	service *AttachmentServiceImpl
	repo    *memoryRepository
	cache   *memoryCache
	root    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	defs := &config.Definitions{Attachments: map[string]config.AttachmentOptions{
		"avatar": {Styles: map[string]any{"thumb": "64x64#"}},
		"cover":  {},
	}}
	resolver := config.NewResolver(defs, config.AttachmentOptions{Root: config.Ptr(root)})
	attachments := attachment.NewFactory(resolver, attachment.WithTempDir(t.TempDir()), attachment.WithLogger(logger))
	files := upload.NewFactory(upload.NewMimetypeLookup(), upload.WithTempDir(t.TempDir()))

	repo := newMemoryRepository()
	cache := newMemoryCache()
	return &fixture{
		service: NewAttachmentService(attachments, files, repo, cache, time.Minute, logger),
		repo:    repo,
		cache:   cache,
		root:    root,
	}
}

func writeJPEG(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, imaging.Save(imaging.New(128, 96, color.NRGBA{G: 255, A: 255}), path))
	return path
}

var owner = domain.Owner{Class: "User", ID: "7"}

func TestAttachGetURLsDetach(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	urls, err := fx.service.URLs(ctx, owner, "avatar")
	require.NoError(t, err)
	assert.Equal(t, "/avatar/thumb/missing.png", urls["thumb"], "default url before attach")

	_, err = fx.service.Get(ctx, owner, "avatar")
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	view, err := fx.service.Attach(ctx, owner, "avatar", writeJPEG(t, "me.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "me.jpg", view.Record.Meta.FileName)
	assert.Len(t, view.Record.Variants, 2)
	assert.Equal(t, "/system/User/avatar/000/000/007/thumb/me.jpg", view.URLs["thumb"])
	for _, p := range view.Record.Variants {
		assert.FileExists(t, p)
	}

	urls, err = fx.service.URLs(ctx, owner, "avatar")
	require.NoError(t, err)
	assert.Equal(t, view.URLs, urls)
	assert.Equal(t, 1, fx.cache.hits, "attach refreshes the cache")

	got, err := fx.service.Get(ctx, owner, "avatar")
	require.NoError(t, err)
	assert.Equal(t, view.Record.Variants, got.Record.Variants)

	require.NoError(t, fx.service.Detach(ctx, owner, "avatar"))
	for _, p := range view.Record.Variants {
		assert.NoFileExists(t, p)
	}
	_, err = fx.repo.Get(ctx, owner, "avatar")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	assert.Empty(t, fx.cache.urls)

	assert.True(t, errors.Is(fx.service.Detach(ctx, owner, "avatar"), domain.ErrNotFound))
}

func TestAttachReplacesPreviousFile(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	first, err := fx.service.Attach(ctx, owner, "avatar", writeJPEG(t, "one.jpg"))
	require.NoError(t, err)
	second, err := fx.service.Attach(ctx, owner, "avatar", writeJPEG(t, "two.jpg"))
	require.NoError(t, err)

	for _, p := range first.Record.Variants {
		assert.NoFileExists(t, p)
	}
	for _, p := range second.Record.Variants {
		assert.FileExists(t, p)
	}
	assert.Equal(t, "two.jpg", second.Record.Meta.FileName)
}

func TestAttachDataURI(t *testing.T) {
	fx := newFixture(t)

	// 1x1 transparent PNG
	const pixel = "data:image/png;base64,iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mNkYPhfDwAChwGA60e6kgAAAABJRU5ErkJggg=="
	view, err := fx.service.Attach(context.Background(), owner, "avatar", pixel)
	require.NoError(t, err)
	assert.Equal(t, ".png", filepath.Ext(view.Record.Meta.FileName))
	assert.Equal(t, "image/png", view.Record.Meta.ContentType)
}

func TestAttachErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown attachment", func(t *testing.T) {
		fx := newFixture(t)
		_, err := fx.service.Attach(ctx, owner, "banner", writeJPEG(t, "a.jpg"))
		assert.True(t, errors.Is(err, domain.ErrAttachmentConfiguration))
	})

	t.Run("missing file", func(t *testing.T) {
		fx := newFixture(t)
		_, err := fx.service.Attach(ctx, owner, "avatar", filepath.Join(t.TempDir(), "nope.jpg"))
		assert.True(t, errors.Is(err, domain.ErrValidation))
	})

	t.Run("record failure removes variants", func(t *testing.T) {
		fx := newFixture(t)
		fx.repo.failOn = errors.New("mongo down")

		_, err := fx.service.Attach(ctx, owner, "avatar", writeJPEG(t, "a.jpg"))
		require.Error(t, err)
		assert.NoFileExists(t, filepath.Join(fx.root, "system", "User", "avatar", "000", "000", "007", "original", "a.jpg"))
	})
}

func TestListAndDetachAll(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	other := domain.Owner{Class: "User", ID: "8"}

	avatar, err := fx.service.Attach(ctx, owner, "avatar", writeJPEG(t, "a.jpg"))
	require.NoError(t, err)
	cover, err := fx.service.Attach(ctx, owner, "cover", writeJPEG(t, "c.jpg"))
	require.NoError(t, err)
	kept, err := fx.service.Attach(ctx, other, "avatar", writeJPEG(t, "k.jpg"))
	require.NoError(t, err)

	views, err := fx.service.List(ctx, owner)
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, "avatar", views[0].Record.Name)
	assert.Equal(t, cover.URLs, views[1].URLs)

	require.NoError(t, fx.service.DetachAll(ctx, owner))
	for _, p := range avatar.Record.Variants {
		assert.NoFileExists(t, p)
	}
	for _, p := range cover.Record.Variants {
		assert.NoFileExists(t, p)
	}
	for _, p := range kept.Record.Variants {
		assert.FileExists(t, p)
	}

	views, err = fx.service.List(ctx, owner)
	require.NoError(t, err)
	assert.Empty(t, views)
	assert.Len(t, fx.cache.urls, 1, "only the other owner stays cached")
}

func TestReprocessRegeneratesStyles(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	_, err := fx.service.Reprocess(ctx, owner, "avatar")
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	view, err := fx.service.Attach(ctx, owner, "avatar", writeJPEG(t, "me.jpg"))
	require.NoError(t, err)
	thumb := view.Record.Variants["thumb"]
	original := view.Record.Variants["original"]
	require.NoError(t, os.Remove(thumb))

	again, err := fx.service.Reprocess(ctx, owner, "avatar")
	require.NoError(t, err)
	assert.Empty(t, again.Failed)
	assert.Equal(t, view.Record.Variants, again.Record.Variants)
	assert.FileExists(t, thumb)
	assert.FileExists(t, original)
	assert.Equal(t, "me.jpg", again.Record.Meta.FileName)

	img, err := imaging.Open(thumb)
	require.NoError(t, err)
	assert.Equal(t, 64, img.Bounds().Dx())
}
