package domain

import (
	"fmt"
	"image"
	"strconv"
	"strings"
)

// OriginalStyle is the style every attachment carries. It denotes the unmodified upload.
const OriginalStyle = "original"

// DimensionKind tags how a style's dimensions are applied by the resizer.
type DimensionKind int

const (
	// DimensionsNone keeps the source size ("").
	DimensionsNone DimensionKind = iota
	// DimensionsAuto fits the image inside a WxH box, preserving aspect ratio ("WxH").
	DimensionsAuto
	// DimensionsWidth binds the width, height follows the aspect ratio ("W" or "Wx").
	DimensionsWidth
	// DimensionsHeight binds the height, width follows the aspect ratio ("xH").
	DimensionsHeight
	// DimensionsExact resizes to WxH ignoring aspect ratio ("WxH!").
	DimensionsExact
	// DimensionsCrop fills WxH and crops the overflow around the centre ("WxH#").
	DimensionsCrop
	// DimensionsCover scales until both sides reach at least WxH, no cropping ("WxH^").
	DimensionsCover
	// DimensionsCustom hands the decoded image to a caller supplied transform.
	DimensionsCustom
)

func (k DimensionKind) String() string {
	switch k {
	case DimensionsNone:
		return "none"
	case DimensionsAuto:
		return "auto"
	case DimensionsWidth:
		return "width"
	case DimensionsHeight:
		return "height"
	case DimensionsExact:
		return "exact"
	case DimensionsCrop:
		return "crop"
	case DimensionsCover:
		return "cover"
	case DimensionsCustom:
		return "custom"
	}
	return "unknown"
}

// TransformFunc is a custom style transform.
type TransformFunc func(img image.Image) (image.Image, error)

// Dimensions is the parsed form of a style's dimension spec.
type Dimensions struct {
	Kind      DimensionKind
	Width     int
	Height    int
	Transform TransformFunc
	// Spec is the raw string the dimensions were parsed from; empty for custom transforms.
	Spec string
}

// ParseDimensions parses the dimension grammar used in style configuration:
//
//	""        no resize
//	"W", "Wx" width bound
//	"xH"      height bound
//	"WxH"     fit inside the box
//	"WxH!"    exact
//	"WxH#"    fill and centre crop
//	"WxH^"    cover the box
func ParseDimensions(spec string) (Dimensions, error) {
	raw := spec
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return Dimensions{Kind: DimensionsNone, Spec: raw}, nil
	}

	kind := DimensionsAuto
	switch spec[len(spec)-1] {
	case '!':
		kind = DimensionsExact
	case '#':
		kind = DimensionsCrop
	case '^':
		kind = DimensionsCover
	}
	if kind != DimensionsAuto {
		spec = spec[:len(spec)-1]
	}

	widthPart, heightPart, hasX := strings.Cut(strings.ToLower(spec), "x")
	width, err := parseSide(widthPart)
	if err != nil {
		return Dimensions{}, fmt.Errorf("%w: dimensions %q: %v", ErrStyleConfiguration, raw, err)
	}
	height, err := parseSide(heightPart)
	if err != nil {
		return Dimensions{}, fmt.Errorf("%w: dimensions %q: %v", ErrStyleConfiguration, raw, err)
	}

	switch {
	case !hasX || (width > 0 && height == 0):
		if kind != DimensionsAuto || width == 0 {
			return Dimensions{}, fmt.Errorf("%w: dimensions %q need both sides", ErrStyleConfiguration, raw)
		}
		kind = DimensionsWidth
	case width == 0 && height > 0:
		if kind != DimensionsAuto {
			return Dimensions{}, fmt.Errorf("%w: dimensions %q need both sides", ErrStyleConfiguration, raw)
		}
		kind = DimensionsHeight
	case width == 0 && height == 0:
		return Dimensions{}, fmt.Errorf("%w: dimensions %q have no size", ErrStyleConfiguration, raw)
	}

	return Dimensions{Kind: kind, Width: width, Height: height, Spec: raw}, nil
}

func parseSide(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if n <= 0 {
		return 0, fmt.Errorf("size must be positive, got %d", n)
	}
	return n, nil
}

// Style is one named variant of an attachment's image.
type Style struct {
	Name           string
	Dimensions     Dimensions
	AutoOrient     bool
	ConvertOptions map[string]any
}

// NewStyle builds a style from a raw dimension value or a configuration mapping.
// A mapping must carry a "dimensions" key; "auto_orient" and "convert_options"
// are optional and any other key is ignored.
func NewStyle(name string, value any) (Style, error) {
	style := Style{Name: name, ConvertOptions: map[string]any{}}

	if cfg, ok := asMapping(value); ok {
		dims, present := cfg["dimensions"]
		if !present {
			return Style{}, fmt.Errorf("%w: style %q is missing dimensions", ErrStyleConfiguration, name)
		}
		parsed, err := dimensionsFrom(dims)
		if err != nil {
			return Style{}, fmt.Errorf("style %q: %w", name, err)
		}
		style.Dimensions = parsed

		if v, ok := cfg["auto_orient"]; ok {
			b, ok := v.(bool)
			if !ok {
				return Style{}, fmt.Errorf("%w: style %q auto_orient must be a boolean", ErrStyleConfiguration, name)
			}
			style.AutoOrient = b
		}
		if v, ok := cfg["convert_options"]; ok {
			opts, ok := asMapping(v)
			if !ok {
				return Style{}, fmt.Errorf("%w: style %q convert_options must be a mapping", ErrStyleConfiguration, name)
			}
			style.ConvertOptions = opts
		}
		return style, nil
	}

	parsed, err := dimensionsFrom(value)
	if err != nil {
		return Style{}, fmt.Errorf("style %q: %w", name, err)
	}
	style.Dimensions = parsed
	return style, nil
}

func dimensionsFrom(value any) (Dimensions, error) {
	switch v := value.(type) {
	case nil:
		return ParseDimensions("")
	case string:
		return ParseDimensions(v)
	case TransformFunc:
		if v == nil {
			return Dimensions{}, fmt.Errorf("%w: nil transform", ErrStyleConfiguration)
		}
		return Dimensions{Kind: DimensionsCustom, Transform: v}, nil
	case func(image.Image) (image.Image, error):
		if v == nil {
			return Dimensions{}, fmt.Errorf("%w: nil transform", ErrStyleConfiguration)
		}
		return Dimensions{Kind: DimensionsCustom, Transform: v}, nil
	case int, int64, uint, uint64, float64:
		return ParseDimensions(fmt.Sprint(v))
	}
	return Dimensions{}, fmt.Errorf("%w: unsupported dimensions type %T", ErrStyleConfiguration, value)
}

func asMapping(value any) (map[string]any, bool) {
	switch v := value.(type) {
	case map[string]any:
		return v, true
	case map[any]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[fmt.Sprint(k)] = val
		}
		return out, true
	}
	return nil, false
}

// IsOriginal reports whether this is the mandatory original style.
func (s Style) IsOriginal() bool {
	return s.Name == OriginalStyle
}

// NeedsProcessing reports whether the resizer has any work to do for this style.
// An original style with no transform is copied as-is.
func (s Style) NeedsProcessing() bool {
	return s.Dimensions.Kind != DimensionsNone || s.AutoOrient || len(s.ConvertOptions) > 0
}
