package attachment

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/mansoorceksport/stapler/internal/config"
	"github.com/mansoorceksport/stapler/internal/domain"
	"github.com/mansoorceksport/stapler/internal/interpolator"
	"github.com/mansoorceksport/stapler/internal/resizer"
	"github.com/mansoorceksport/stapler/internal/storage"
)

// ConfigResolver resolves a named attachment definition.
type ConfigResolver interface {
	Resolve(name string, overrides config.AttachmentOptions) (domain.AttachmentConfig, error)
}

// Factory builds Attachments and their storage backends.
type Factory struct {
	resolver     ConfigResolver
	interpolator domain.Interpolator
	client       storage.ObjectClient
	tempDir      string
	logger       *slog.Logger

	mu       sync.Mutex
	resizers map[string]domain.Resizer
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithObjectClient sets the client shared by S3-backed attachments.
func WithObjectClient(c storage.ObjectClient) FactoryOption {
	return func(f *Factory) { f.client = c }
}

// WithInterpolator replaces the default interpolator.
func WithInterpolator(i domain.Interpolator) FactoryOption {
	return func(f *Factory) { f.interpolator = i }
}

// WithTempDir sets where style variants are staged before they are stored.
// An empty dir keeps the system default.
func WithTempDir(dir string) FactoryOption {
	return func(f *Factory) {
		if dir != "" {
			f.tempDir = dir
		}
	}
}

// WithLogger sets the logger handed to every Attachment.
func WithLogger(l *slog.Logger) FactoryOption {
	return func(f *Factory) { f.logger = l }
}

// NewFactory creates a Factory resolving definitions through resolver.
func NewFactory(resolver ConfigResolver, opts ...FactoryOption) *Factory {
	f := &Factory{
		resolver:     resolver,
		interpolator: interpolator.New(),
		tempDir:      os.TempDir(),
		resizers:     map[string]domain.Resizer{},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Create resolves the named attachment with overrides and binds it to owner.
func (f *Factory) Create(name string, owner domain.Owner, overrides config.AttachmentOptions) (*Attachment, error) {
	cfg, err := f.resolver.Resolve(name, overrides)
	if err != nil {
		return nil, err
	}
	return f.FromConfig(cfg, owner)
}

// FromConfig binds an already resolved configuration to owner.
func (f *Factory) FromConfig(cfg domain.AttachmentConfig, owner domain.Owner) (*Attachment, error) {
	if owner.ID == "" {
		return nil, fmt.Errorf("%w: attachment %q needs an owner id", domain.ErrAttachmentConfiguration, cfg.Name)
	}

	rs, err := f.resizer(cfg.ImageProcessingLibrary)
	if err != nil {
		return nil, err
	}

	att := &Attachment{
		config:       cfg,
		owner:        owner,
		interpolator: f.interpolator,
		resizer:      rs,
		tempDir:      f.tempDir,
		logger:       f.logger,
	}
	st, err := storage.New(att, f.client)
	if err != nil {
		return nil, err
	}
	att.storage = st
	return att, nil
}

// resizer returns one Resizer per image processing library.
func (f *Factory) resizer(library string) (domain.Resizer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r, ok := f.resizers[library]; ok {
		return r, nil
	}
	r, err := resizer.New(library)
	if err != nil {
		return nil, err
	}
	f.resizers[library] = r
	return r, nil
}
