// Package upload normalizes the different ways a file can reach an attachment
// (parsed multipart uploads, raw upload arrays, remote URLs, data URIs and local
// paths) into a single domain.File.
package upload

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/mansoorceksport/stapler/internal/domain"
	"github.com/oklog/ulid/v2"
)

const (
	defaultDataURIExtension = "png"
	defaultMaxRemoteSize    = 50 * 1024 * 1024 // 50MB
	tempPrefix              = "stapler-"
)

var (
	dataURIPattern     = regexp.MustCompile(`^data:[-\w]+/[-\w+.]+;base64`)
	urlTrailingPattern = regexp.MustCompile(`[&#?].*`)
)

// UploadError mirrors the status codes a web server attaches to raw uploads.
type UploadError int

const (
	UploadOK        UploadError = 0
	UploadIniSize   UploadError = 1
	UploadFormSize  UploadError = 2
	UploadPartial   UploadError = 3
	UploadNoFile    UploadError = 4
	UploadNoTmpDir  UploadError = 6
	UploadCantWrite UploadError = 7
	UploadExtension UploadError = 8
)

func (e UploadError) String() string {
	switch e {
	case UploadOK:
		return "ok"
	case UploadIniSize:
		return "file exceeds the server upload limit"
	case UploadFormSize:
		return "file exceeds the form upload limit"
	case UploadPartial:
		return "file was only partially uploaded"
	case UploadNoFile:
		return "no file was uploaded"
	case UploadNoTmpDir:
		return "missing temporary folder"
	case UploadCantWrite:
		return "failed to write file to disk"
	case UploadExtension:
		return "upload stopped by extension"
	}
	return fmt.Sprintf("unknown upload error %d", int(e))
}

// Array is a raw upload as handed over by a web server: a temp file plus the
// client's declared name and type.
type Array struct {
	TmpName string
	Name    string
	Type    string
	Error   UploadError
}

// Factory builds domain.File values from any supported input.
type Factory struct {
	mime          domain.MimeLookup
	client        *http.Client
	tempDir       string
	maxRemoteSize int64
	logger        *slog.Logger
}

// Option configures a Factory.
type Option func(*Factory)

// WithHTTPClient sets the client used for remote fetches.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Factory) { f.client = c }
}

// WithTempDir sets where temporary files are written. An empty dir keeps the
// system default.
func WithTempDir(dir string) Option {
	return func(f *Factory) {
		if dir != "" {
			f.tempDir = dir
		}
	}
}

// WithMaxRemoteSize bounds the size of fetched remote files. Non-positive
// values keep the default bound.
func WithMaxRemoteSize(n int64) Option {
	return func(f *Factory) {
		if n > 0 {
			f.maxRemoteSize = n
		}
	}
}

// WithLogger enables debug logging of ingested files.
func WithLogger(l *slog.Logger) Option {
	return func(f *Factory) { f.logger = l }
}

// NewFactory creates a Factory. The MIME lookup is required.
func NewFactory(mime domain.MimeLookup, opts ...Option) *Factory {
	f := &Factory{
		mime:          mime,
		client:        &http.Client{Timeout: 30 * time.Second},
		tempDir:       os.TempDir(),
		maxRemoteSize: defaultMaxRemoteSize,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Factory) log(msg string, args ...any) {
	if f.logger != nil {
		f.logger.Debug(msg, args...)
	}
}

// Create normalizes input into a domain.File.
func (f *Factory) Create(ctx context.Context, input any) (*domain.File, error) {
	switch v := input.(type) {
	case nil:
		return nil, fmt.Errorf("%w: no file given", domain.ErrValidation)
	case *domain.File:
		return v, nil
	case *multipart.FileHeader:
		return f.CreateFromUpload(v)
	case Array:
		return f.CreateFromArray(v)
	case map[string]any:
		arr, err := arrayFromMap(v)
		if err != nil {
			return nil, err
		}
		return f.CreateFromArray(arr)
	case string:
		switch {
		case strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://"):
			return f.CreateFromURL(ctx, v)
		case dataURIPattern.MatchString(v):
			return f.CreateFromDataURI(v)
		}
		return f.CreateFromString(v)
	}
	return nil, fmt.Errorf("%w: unsupported file input %T", domain.ErrValidation, input)
}

// CreateFromUpload copies a parsed multipart upload into a temporary file.
func (f *Factory) CreateFromUpload(header *multipart.FileHeader) (*domain.File, error) {
	src, err := header.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: open upload %s: %v", domain.ErrIO, header.Filename, err)
	}
	defer src.Close()

	name := filepath.Base(header.Filename)
	tmp, size, err := f.writeTemp(src, filepath.Ext(name), -1)
	if err != nil {
		return nil, err
	}

	file := &domain.File{
		Path:        tmp,
		Name:        name,
		ContentType: mediaType(header.Header.Get("Content-Type")),
		Size:        size,
		Temporary:   true,
	}
	f.fillContentType(file)
	f.log("ingested multipart upload", "name", file.Name, "size", file.Size)
	return file, nil
}

// CreateFromArray validates a raw upload and takes ownership of its temp file.
func (f *Factory) CreateFromArray(arr Array) (*domain.File, error) {
	if arr.Error != UploadOK {
		return nil, fmt.Errorf("%w: %s: %s", domain.ErrValidation, arr.Name, arr.Error)
	}
	info, err := os.Stat(arr.TmpName)
	if err != nil {
		return nil, fmt.Errorf("%w: uploaded file %s: %v", domain.ErrValidation, arr.Name, err)
	}

	name := filepath.Base(arr.Name)
	if arr.Name == "" {
		name = filepath.Base(arr.TmpName)
	}
	file := &domain.File{
		Path:        arr.TmpName,
		Name:        name,
		ContentType: mediaType(arr.Type),
		Size:        info.Size(),
		Temporary:   true,
	}
	f.fillContentType(file)
	f.log("ingested raw upload", "name", file.Name, "size", file.Size)
	return file, nil
}

// CreateFromURL fetches a remote file into a temporary file.
func (f *Factory) CreateFromURL(ctx context.Context, rawURL string) (*domain.File, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid url %q: %v", domain.ErrValidation, rawURL, err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch %s: %v", domain.ErrIO, rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: fetch %s: status %d", domain.ErrIO, rawURL, resp.StatusCode)
	}

	name := remoteName(rawURL)
	ext := path.Ext(name)
	tmp, size, err := f.writeTemp(resp.Body, ext, f.maxRemoteSize)
	if err != nil {
		return nil, err
	}

	file := &domain.File{
		Path:        tmp,
		Name:        name,
		ContentType: mediaType(resp.Header.Get("Content-Type")),
		Size:        size,
		Temporary:   true,
	}

	if ext == "" {
		detected, err := f.mime.Detect(tmp)
		if err == nil {
			if guessed := f.mime.Extension(detected); guessed != "" {
				renamed := tmp + "." + guessed
				if err := os.Rename(tmp, renamed); err != nil {
					_ = file.Cleanup()
					return nil, fmt.Errorf("%w: rename %s: %v", domain.ErrIO, tmp, err)
				}
				file.Path = renamed
				file.Name = name + "." + guessed
			}
			if file.ContentType == "" {
				file.ContentType = detected
			}
		}
	}
	f.fillContentType(file)
	f.log("fetched remote file", "url", rawURL, "name", file.Name, "size", file.Size)
	return file, nil
}

// CreateFromDataURI decodes a base64 data URI into a temporary file named after
// its declared media type.
func (f *Factory) CreateFromDataURI(uri string) (*domain.File, error) {
	header, payload, ok := strings.Cut(strings.TrimPrefix(uri, "data:"), ",")
	if !ok || !strings.HasPrefix(uri, "data:") {
		return nil, fmt.Errorf("%w: invalid data URI", domain.ErrValidation)
	}
	declared, _, _ := strings.Cut(header, ";")

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid data URI payload: %v", domain.ErrValidation, err)
	}

	ext := f.mime.Extension(declared)
	if ext == "" {
		ext = defaultDataURIExtension
	}
	tmp, size, err := f.writeTemp(bytes.NewReader(data), "."+ext, -1)
	if err != nil {
		return nil, err
	}

	file := &domain.File{
		Path:        tmp,
		Name:        filepath.Base(tmp),
		ContentType: declared,
		Size:        size,
		Temporary:   true,
	}
	f.log("decoded data uri", "name", file.Name, "size", file.Size)
	return file, nil
}

// CreateFromString wraps an existing local file. The file is not owned by the
// pipeline and is never deleted by it.
func (f *Factory) CreateFromString(p string) (*domain.File, error) {
	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: file %s does not exist", domain.ErrValidation, p)
		}
		return nil, fmt.Errorf("%w: stat %s: %v", domain.ErrIO, p, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", domain.ErrValidation, p)
	}

	file := &domain.File{
		Path: p,
		Name: filepath.Base(p),
		Size: info.Size(),
	}
	f.fillContentType(file)
	return file, nil
}

// Snapshot copies a local file into a pipeline-owned temporary file, so the
// source may be overwritten or removed while the copy is processed.
func (f *Factory) Snapshot(p string) (*domain.File, error) {
	src, err := os.Open(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: file %s does not exist", domain.ErrValidation, p)
		}
		return nil, fmt.Errorf("%w: open %s: %v", domain.ErrIO, p, err)
	}
	defer src.Close()

	name := filepath.Base(p)
	tmp, size, err := f.writeTemp(src, filepath.Ext(name), -1)
	if err != nil {
		return nil, err
	}

	file := &domain.File{
		Path:      tmp,
		Name:      name,
		Size:      size,
		Temporary: true,
	}
	f.fillContentType(file)
	return file, nil
}

func (f *Factory) fillContentType(file *domain.File) {
	if file.ContentType != "" && file.ContentType != "application/octet-stream" {
		return
	}
	if detected, err := f.mime.Detect(file.Path); err == nil {
		file.ContentType = detected
		return
	}
	if file.ContentType == "" {
		file.ContentType = "application/octet-stream"
	}
}

// writeTemp copies r into a new uniquely named temp file. A negative limit
// disables the size check.
func (f *Factory) writeTemp(r io.Reader, ext string, limit int64) (string, int64, error) {
	if err := os.MkdirAll(f.tempDir, 0o755); err != nil {
		return "", 0, fmt.Errorf("%w: create temp dir: %v", domain.ErrIO, err)
	}
	name := filepath.Join(f.tempDir, tempPrefix+strings.ToLower(ulid.Make().String())+ext)
	out, err := os.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", 0, fmt.Errorf("%w: create temp file: %v", domain.ErrIO, err)
	}

	if limit >= 0 {
		r = io.LimitReader(r, limit+1)
	}
	n, copyErr := io.Copy(out, r)
	closeErr := out.Close()
	switch {
	case copyErr != nil:
		_ = os.Remove(name)
		return "", 0, fmt.Errorf("%w: write temp file: %v", domain.ErrIO, copyErr)
	case closeErr != nil:
		_ = os.Remove(name)
		return "", 0, fmt.Errorf("%w: close temp file: %v", domain.ErrIO, closeErr)
	case limit >= 0 && n > limit:
		_ = os.Remove(name)
		return "", 0, fmt.Errorf("%w: remote file exceeds %d bytes", domain.ErrValidation, limit)
	}
	return name, n, nil
}

func remoteName(rawURL string) string {
	cleaned := urlTrailingPattern.ReplaceAllString(rawURL, "")
	if u, err := url.Parse(cleaned); err == nil && u.Path != "" {
		if base := path.Base(u.Path); base != "/" && base != "." {
			if unescaped, err := url.PathUnescape(base); err == nil {
				return unescaped
			}
			return base
		}
	}
	return "download"
}

func mediaType(contentType string) string {
	mt, _, _ := strings.Cut(contentType, ";")
	return strings.TrimSpace(strings.ToLower(mt))
}

func arrayFromMap(m map[string]any) (Array, error) {
	arr := Array{}
	for key, dst := range map[string]*string{"tmp_name": &arr.TmpName, "name": &arr.Name, "type": &arr.Type} {
		if v, ok := m[key]; ok {
			s, ok := v.(string)
			if !ok {
				return Array{}, fmt.Errorf("%w: upload field %s must be a string", domain.ErrValidation, key)
			}
			*dst = s
		}
	}
	if arr.TmpName == "" {
		return Array{}, fmt.Errorf("%w: upload is missing tmp_name", domain.ErrValidation)
	}
	switch v := m["error"].(type) {
	case nil:
	case int:
		arr.Error = UploadError(v)
	case int64:
		arr.Error = UploadError(v)
	case float64:
		arr.Error = UploadError(int(v))
	case UploadError:
		arr.Error = v
	default:
		return Array{}, fmt.Errorf("%w: upload error code must be a number", domain.ErrValidation)
	}
	return arr, nil
}
