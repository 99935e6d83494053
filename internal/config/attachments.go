package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/mansoorceksport/stapler/internal/domain"
	"gopkg.in/yaml.v3"
)

// AttachmentOptions is one layer of attachment configuration. Nil fields and
// nil collections are unset and fall through to the layer below.
type AttachmentOptions struct {
	Storage                *string                   `yaml:"storage"`
	Styles                 map[string]any            `yaml:"styles"`
	URL                    *string                   `yaml:"url"`
	Path                   *string                   `yaml:"path"`
	DefaultURL             *string                   `yaml:"default_url"`
	DefaultStyle           *string                   `yaml:"default_style"`
	ConvertOptions         map[string]map[string]any `yaml:"convert_options"`
	KeepOldFiles           *bool                     `yaml:"keep_old_files"`
	PreserveFiles          *bool                     `yaml:"preserve_files"`
	ImageProcessingLibrary *string                   `yaml:"image_processing_library"`

	Root *string `yaml:"root"`

	Bucket               *string           `yaml:"bucket"`
	ACL                  *string           `yaml:"acl"`
	Region               *string           `yaml:"region"`
	CacheControl         *string           `yaml:"cache_control"`
	StorageClass         *string           `yaml:"storage_class"`
	ServerSideEncryption *string           `yaml:"server_side_encryption"`
	Metadata             map[string]string `yaml:"metadata"`

	MaxFileSize  *int64   `yaml:"max_file_size"`
	ContentTypes []string `yaml:"content_types"`
	Extensions   []string `yaml:"extensions"`

	Concurrency *int    `yaml:"concurrency"`
	StylePolicy *string `yaml:"style_policy"`
}

// Layer merges layers from lowest to highest precedence. A set field in a
// higher layer replaces the field below it wholesale, collections included.
func Layer(layers ...AttachmentOptions) AttachmentOptions {
	var out AttachmentOptions
	for _, l := range layers {
		out.Storage = pick(out.Storage, l.Storage)
		out.URL = pick(out.URL, l.URL)
		out.Path = pick(out.Path, l.Path)
		out.DefaultURL = pick(out.DefaultURL, l.DefaultURL)
		out.DefaultStyle = pick(out.DefaultStyle, l.DefaultStyle)
		out.KeepOldFiles = pick(out.KeepOldFiles, l.KeepOldFiles)
		out.PreserveFiles = pick(out.PreserveFiles, l.PreserveFiles)
		out.ImageProcessingLibrary = pick(out.ImageProcessingLibrary, l.ImageProcessingLibrary)
		out.Root = pick(out.Root, l.Root)
		out.Bucket = pick(out.Bucket, l.Bucket)
		out.ACL = pick(out.ACL, l.ACL)
		out.Region = pick(out.Region, l.Region)
		out.CacheControl = pick(out.CacheControl, l.CacheControl)
		out.StorageClass = pick(out.StorageClass, l.StorageClass)
		out.ServerSideEncryption = pick(out.ServerSideEncryption, l.ServerSideEncryption)
		out.MaxFileSize = pick(out.MaxFileSize, l.MaxFileSize)
		out.Concurrency = pick(out.Concurrency, l.Concurrency)
		out.StylePolicy = pick(out.StylePolicy, l.StylePolicy)

		if l.Styles != nil {
			out.Styles = l.Styles
		}
		if l.ConvertOptions != nil {
			out.ConvertOptions = l.ConvertOptions
		}
		if l.Metadata != nil {
			out.Metadata = l.Metadata
		}
		if l.ContentTypes != nil {
			out.ContentTypes = l.ContentTypes
		}
		if l.Extensions != nil {
			out.Extensions = l.Extensions
		}
	}
	return out
}

func pick[T any](current, next *T) *T {
	if next != nil {
		return next
	}
	return current
}

// Ptr returns a pointer to v, for building option layers in code.
func Ptr[T any](v T) *T {
	return &v
}

// HardDefaults is the bottom layer shared by every attachment.
func HardDefaults() AttachmentOptions {
	return AttachmentOptions{
		Storage:                Ptr(string(domain.StorageFilesystem)),
		DefaultURL:             Ptr("/:attachment/:style/missing.png"),
		DefaultStyle:           Ptr(domain.OriginalStyle),
		KeepOldFiles:           Ptr(false),
		PreserveFiles:          Ptr(false),
		ImageProcessingLibrary: Ptr("lanczos"),
		Concurrency:            Ptr(1),
		StylePolicy:            Ptr(string(domain.StylePolicyStrict)),
	}
}

// StorageDefaults is the built-in layer for a storage backend.
func StorageDefaults(kind domain.StorageKind) AttachmentOptions {
	if kind == domain.StorageS3 {
		return AttachmentOptions{
			Path: Ptr(":attachment/:id/:style/:filename"),
			ACL:  Ptr("public-read"),
		}
	}
	return AttachmentOptions{
		URL:  Ptr("/system/:class/:attachment/:id_partition/:style/:filename"),
		Path: Ptr(":url"),
		Root: Ptr("public"),
	}
}

// Definitions is the parsed attachment definitions file.
type Definitions struct {
	Defaults    AttachmentOptions            `yaml:"defaults"`
	Filesystem  AttachmentOptions            `yaml:"filesystem"`
	S3          AttachmentOptions            `yaml:"s3"`
	Attachments map[string]AttachmentOptions `yaml:"attachments"`
}

// LoadDefinitions reads attachment definitions from a YAML file.
func LoadDefinitions(path string) (*Definitions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read attachment definitions: %w", err)
	}
	return ParseDefinitions(data)
}

// ParseDefinitions decodes attachment definitions from YAML.
func ParseDefinitions(data []byte) (*Definitions, error) {
	var defs Definitions
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("%w: parse attachment definitions: %v", domain.ErrAttachmentConfiguration, err)
	}
	return &defs, nil
}

// Resolver turns named attachment definitions into resolved configurations.
type Resolver struct {
	defs *Definitions
	env  AttachmentOptions
}

// NewResolver creates a Resolver. env sits directly above the hard defaults
// and carries deployment values such as the filesystem root and default bucket.
func NewResolver(defs *Definitions, env AttachmentOptions) *Resolver {
	if defs == nil {
		defs = &Definitions{}
	}
	return &Resolver{defs: defs, env: env}
}

// EnvDefaults maps environment configuration onto an option layer.
func EnvDefaults(cfg *Config) AttachmentOptions {
	var opts AttachmentOptions
	if cfg.Attachments.Root != "" {
		opts.Root = Ptr(cfg.Attachments.Root)
	}
	if cfg.S3.Bucket != "" {
		opts.Bucket = Ptr(cfg.S3.Bucket)
	}
	if cfg.S3.Region != "" {
		opts.Region = Ptr(cfg.S3.Region)
	}
	return opts
}

// Names returns the defined attachment names, sorted.
func (r *Resolver) Names() []string {
	names := make([]string, 0, len(r.defs.Attachments))
	for name := range r.defs.Attachments {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve layers hard defaults (built-in storage defaults included) < env <
// YAML defaults < YAML storage section < attachment definition < overrides
// and validates the result.
func (r *Resolver) Resolve(name string, overrides AttachmentOptions) (domain.AttachmentConfig, error) {
	def, ok := r.defs.Attachments[name]
	if !ok {
		return domain.AttachmentConfig{}, fmt.Errorf("%w: attachment %q is not defined", domain.ErrAttachmentConfiguration, name)
	}

	kind := domain.ParseStorageKind(*Layer(HardDefaults(), r.env, r.defs.Defaults, def, overrides).Storage)
	storageYAML := r.defs.Filesystem
	if kind == domain.StorageS3 {
		storageYAML = r.defs.S3
	}

	merged := Layer(HardDefaults(), StorageDefaults(kind), r.env, r.defs.Defaults, storageYAML, def, overrides)
	return Build(name, kind, merged)
}

// Build converts fully layered options into an AttachmentConfig.
func Build(name string, kind domain.StorageKind, o AttachmentOptions) (domain.AttachmentConfig, error) {
	cfg := domain.AttachmentConfig{
		Name:                   name,
		Storage:                kind,
		URL:                    deref(o.URL),
		Path:                   deref(o.Path),
		DefaultURL:             deref(o.DefaultURL),
		DefaultStyle:           deref(o.DefaultStyle),
		KeepOldFiles:           deref(o.KeepOldFiles),
		PreserveFiles:          deref(o.PreserveFiles),
		ImageProcessingLibrary: deref(o.ImageProcessingLibrary),
		Filesystem:             domain.FilesystemOptions{Root: deref(o.Root)},
		S3: domain.S3Options{
			Bucket:               deref(o.Bucket),
			ACL:                  deref(o.ACL),
			Region:               deref(o.Region),
			CacheControl:         deref(o.CacheControl),
			StorageClass:         deref(o.StorageClass),
			ServerSideEncryption: deref(o.ServerSideEncryption),
			Metadata:             o.Metadata,
		},
		Validation: domain.ValidationOptions{
			MaxSize:      deref(o.MaxFileSize),
			ContentTypes: o.ContentTypes,
			Extensions:   o.Extensions,
		},
		Concurrency: deref(o.Concurrency),
		StylePolicy: domain.StylePolicy(deref(o.StylePolicy)),
	}

	styles, err := buildStyles(o.Styles, o.ConvertOptions)
	if err != nil {
		return domain.AttachmentConfig{}, fmt.Errorf("attachment %q: %w", name, err)
	}
	cfg.Styles = styles

	if err := validate(cfg); err != nil {
		return domain.AttachmentConfig{}, err
	}
	return cfg, nil
}

// buildStyles always adds the original style as an untransformed copy,
// replacing any configured definition of it. The original sorts first.
func buildStyles(raw map[string]any, convert map[string]map[string]any) ([]domain.Style, error) {
	defs := make(map[string]any, len(raw)+1)
	for name, v := range raw {
		defs[name] = v
	}
	defs[domain.OriginalStyle] = ""

	names := make([]string, 0, len(defs))
	for name := range defs {
		if name != domain.OriginalStyle {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	names = append([]string{domain.OriginalStyle}, names...)

	styles := make([]domain.Style, 0, len(names))
	for _, name := range names {
		style, err := domain.NewStyle(name, defs[name])
		if err != nil {
			return nil, err
		}
		applyConvertOptions(&style, convert[name])
		styles = append(styles, style)
	}
	return styles, nil
}

// applyConvertOptions lays attachment-level options under the style's own.
// The auto-orient key switches orientation on rather than reaching the encoder.
func applyConvertOptions(style *domain.Style, opts map[string]any) {
	merged := make(map[string]any, len(style.ConvertOptions)+len(opts))
	for k, v := range style.ConvertOptions {
		merged[k] = v
	}
	style.ConvertOptions = merged
	for k, v := range opts {
		switch strings.ToLower(k) {
		case "auto-orient", "auto_orient":
			if b, ok := v.(bool); ok && b {
				style.AutoOrient = true
			}
			continue
		}
		if _, set := style.ConvertOptions[k]; !set {
			style.ConvertOptions[k] = v
		}
	}
}

func validate(cfg domain.AttachmentConfig) error {
	if cfg.Path == "" {
		return fmt.Errorf("%w: attachment %q has no path template", domain.ErrAttachmentConfiguration, cfg.Name)
	}
	if cfg.Storage == domain.StorageS3 && cfg.S3.Bucket == "" {
		return fmt.Errorf("%w: attachment %q uses s3 storage without a bucket", domain.ErrAttachmentConfiguration, cfg.Name)
	}
	if cfg.Storage == domain.StorageFilesystem && cfg.URL == "" {
		return fmt.Errorf("%w: attachment %q has no url template", domain.ErrAttachmentConfiguration, cfg.Name)
	}
	if cfg.Concurrency < 1 {
		return fmt.Errorf("%w: attachment %q concurrency must be at least 1", domain.ErrAttachmentConfiguration, cfg.Name)
	}
	switch cfg.StylePolicy {
	case domain.StylePolicyStrict, domain.StylePolicyBestEffort:
	default:
		return fmt.Errorf("%w: attachment %q has unknown style policy %q", domain.ErrAttachmentConfiguration, cfg.Name, cfg.StylePolicy)
	}
	if _, ok := cfg.Style(cfg.DefaultStyle); !ok {
		return fmt.Errorf("%w: attachment %q default style %q is not defined", domain.ErrAttachmentConfiguration, cfg.Name, cfg.DefaultStyle)
	}
	return nil
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
