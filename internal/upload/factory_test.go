package upload

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mansoorceksport/stapler/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 1x1 transparent PNG.
var pixelPNG, _ = base64.StdEncoding.DecodeString("iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mNkYPhfDwAChwGA60e6kgAAAABJRU5ErkJggg==")

func newTestFactory(t *testing.T) *Factory {
	t.Helper()
	return NewFactory(NewMimetypeLookup(), WithTempDir(t.TempDir()))
}

func TestCreateFromDataURI(t *testing.T) {
	f := newTestFactory(t)
	uri := "data:image/png;base64," + base64.StdEncoding.EncodeToString(pixelPNG)

	file, err := f.Create(context.Background(), uri)
	require.NoError(t, err)
	defer file.Cleanup()

	assert.Equal(t, ".png", filepath.Ext(file.Path))
	assert.Equal(t, "image/png", file.ContentType)
	assert.True(t, file.Temporary)

	data, err := os.ReadFile(file.Path)
	require.NoError(t, err)
	assert.Equal(t, pixelPNG, data)
}

func TestCreateFromDataURIDefaultsToPNG(t *testing.T) {
	f := newTestFactory(t)
	uri := "data:application/x-stapler-unknown;base64," + base64.StdEncoding.EncodeToString([]byte("hello"))

	file, err := f.Create(context.Background(), uri)
	require.NoError(t, err)
	defer file.Cleanup()

	assert.Equal(t, ".png", filepath.Ext(file.Path))
}

func TestCreateFromDataURIRejectsBadPayload(t *testing.T) {
	_, err := newTestFactory(t).Create(context.Background(), "data:image/png;base64,@@@")
	assert.True(t, errors.Is(err, domain.ErrValidation))
}

func TestCreateFromString(t *testing.T) {
	path := filepath.Join(t.TempDir(), "avatar.png")
	require.NoError(t, os.WriteFile(path, pixelPNG, 0o644))

	file, err := newTestFactory(t).Create(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, filepath.Base(path), file.Name)
	assert.Equal(t, path, file.Path)
	assert.Equal(t, "image/png", file.ContentType)
	assert.False(t, file.Temporary)

	require.NoError(t, file.Cleanup())
	_, err = os.Stat(path)
	assert.NoError(t, err, "local files are never removed by cleanup")
}

func TestCreateFromStringMissingFile(t *testing.T) {
	_, err := newTestFactory(t).Create(context.Background(), filepath.Join(t.TempDir(), "nope.jpg"))
	assert.True(t, errors.Is(err, domain.ErrValidation))
}

func TestSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "avatar.png")
	require.NoError(t, os.WriteFile(path, pixelPNG, 0o644))

	file, err := newTestFactory(t).Snapshot(path)
	require.NoError(t, err)
	assert.Equal(t, "avatar.png", file.Name)
	assert.NotEqual(t, path, file.Path)
	assert.True(t, file.Temporary)
	assert.Equal(t, int64(len(pixelPNG)), file.Size)
	assert.Equal(t, "image/png", file.ContentType)

	require.NoError(t, os.Remove(path))
	data, err := os.ReadFile(file.Path)
	require.NoError(t, err)
	assert.Equal(t, pixelPNG, data, "the copy survives the source")

	require.NoError(t, file.Cleanup())
	assert.NoFileExists(t, file.Path)

	_, err = newTestFactory(t).Snapshot(path)
	assert.True(t, errors.Is(err, domain.ErrValidation))
}

func TestCreateFromArray(t *testing.T) {
	tmp := filepath.Join(t.TempDir(), "phpA1B2")
	require.NoError(t, os.WriteFile(tmp, pixelPNG, 0o600))
	f := newTestFactory(t)

	file, err := f.Create(context.Background(), map[string]any{
		"tmp_name": tmp,
		"name":     "me.png",
		"type":     "image/png",
		"error":    0,
	})
	require.NoError(t, err)
	assert.Equal(t, "me.png", file.Name)
	assert.Equal(t, int64(len(pixelPNG)), file.Size)
	assert.True(t, file.Temporary)

	_, err = f.Create(context.Background(), Array{TmpName: tmp, Name: "me.png", Error: UploadPartial})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrValidation))
	assert.Contains(t, err.Error(), "partially uploaded")
}

func TestCreateFromUpload(t *testing.T) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", "holiday.png")
	require.NoError(t, err)
	_, err = part.Write(pixelPNG)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	form, err := multipart.NewReader(&body, w.Boundary()).ReadForm(1 << 20)
	require.NoError(t, err)
	defer form.RemoveAll()

	file, err := newTestFactory(t).Create(context.Background(), form.File["file"][0])
	require.NoError(t, err)
	defer file.Cleanup()

	assert.Equal(t, "holiday.png", file.Name)
	assert.Equal(t, ".png", filepath.Ext(file.Path))
	assert.Equal(t, int64(len(pixelPNG)), file.Size)
}

func TestCreateFromURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/images/cat.png":
			w.Header().Set("Content-Type", "image/png")
			w.Write(pixelPNG)
		case "/raw":
			w.Write(pixelPNG)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := newTestFactory(t)

	t.Run("named file with query string", func(t *testing.T) {
		file, err := f.Create(context.Background(), srv.URL+"/images/cat.png?size=large#top")
		require.NoError(t, err)
		defer file.Cleanup()

		assert.Equal(t, "cat.png", file.Name)
		assert.Equal(t, "image/png", file.ContentType)
		assert.True(t, strings.HasSuffix(file.Path, ".png"))
	})

	t.Run("extension guessed from content", func(t *testing.T) {
		file, err := f.Create(context.Background(), srv.URL+"/raw")
		require.NoError(t, err)
		defer file.Cleanup()

		assert.Equal(t, "raw.png", file.Name)
		assert.True(t, strings.HasSuffix(file.Path, ".png"))
	})

	t.Run("not found is an io error", func(t *testing.T) {
		_, err := f.Create(context.Background(), srv.URL+"/missing.png")
		assert.True(t, errors.Is(err, domain.ErrIO))
	})

	t.Run("size limit", func(t *testing.T) {
		small := NewFactory(NewMimetypeLookup(), WithTempDir(t.TempDir()), WithMaxRemoteSize(10))
		_, err := small.Create(context.Background(), srv.URL+"/images/cat.png")
		assert.True(t, errors.Is(err, domain.ErrValidation))
	})
}

func TestCreateRejectsUnsupportedInput(t *testing.T) {
	_, err := newTestFactory(t).Create(context.Background(), 42)
	assert.True(t, errors.Is(err, domain.ErrValidation))
}
