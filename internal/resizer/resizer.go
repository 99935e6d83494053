// Package resizer turns an uploaded image into the encoded bytes of a style.
package resizer

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/mansoorceksport/stapler/internal/domain"
)

// DefaultLibrary is the resampling engine used when none is configured.
const DefaultLibrary = "lanczos"

var filters = map[string]imaging.ResampleFilter{
	"lanczos":    imaging.Lanczos,
	"catmullrom": imaging.CatmullRom,
	"linear":     imaging.Linear,
	"box":        imaging.Box,
	"nearest":    imaging.NearestNeighbor,
}

// Resizer implements domain.Resizer on top of imaging.
type Resizer struct {
	library string
	filter  imaging.ResampleFilter
}

// New returns a Resizer for the named image processing library.
func New(library string) (*Resizer, error) {
	key := strings.ToLower(strings.TrimSpace(library))
	if key == "" {
		key = DefaultLibrary
	}
	filter, ok := filters[key]
	if !ok {
		return nil, fmt.Errorf("%w: unknown image processing library %q", domain.ErrAttachmentConfiguration, library)
	}
	return &Resizer{library: key, filter: filter}, nil
}

// Library returns the resampling engine name.
func (r *Resizer) Library() string {
	return r.library
}

// Resize decodes file, auto-orients it when the style asks for it, applies the
// style's dimensions and encodes the result with the style's convert options.
func (r *Resizer) Resize(ctx context.Context, file *domain.File, style domain.Style) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	src, err := os.Open(file.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", domain.ErrIO, file.Path, err)
	}
	defer src.Close()

	img, err := imaging.Decode(src, imaging.AutoOrientation(style.AutoOrient))
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", domain.ErrImageProcessing, file.Name, err)
	}

	img, err = r.apply(img, style.Dimensions)
	if err != nil {
		return nil, err
	}

	format, opts, err := encoding(file, style.ConvertOptions)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, format, opts...); err != nil {
		return nil, fmt.Errorf("%w: encode %s: %v", domain.ErrImageProcessing, style.Name, err)
	}
	return buf.Bytes(), nil
}

func (r *Resizer) apply(img image.Image, d domain.Dimensions) (image.Image, error) {
	switch d.Kind {
	case domain.DimensionsNone:
		return img, nil
	case domain.DimensionsAuto:
		return imaging.Fit(img, d.Width, d.Height, r.filter), nil
	case domain.DimensionsWidth:
		return imaging.Resize(img, d.Width, 0, r.filter), nil
	case domain.DimensionsHeight:
		return imaging.Resize(img, 0, d.Height, r.filter), nil
	case domain.DimensionsExact:
		return imaging.Resize(img, d.Width, d.Height, r.filter), nil
	case domain.DimensionsCrop:
		return imaging.Fill(img, d.Width, d.Height, imaging.Center, r.filter), nil
	case domain.DimensionsCover:
		w, h := coverSize(img.Bounds().Dx(), img.Bounds().Dy(), d.Width, d.Height)
		return imaging.Resize(img, w, h, r.filter), nil
	case domain.DimensionsCustom:
		out, err := d.Transform(img)
		if err != nil {
			return nil, fmt.Errorf("%w: custom transform: %v", domain.ErrImageProcessing, err)
		}
		if out == nil {
			return nil, fmt.Errorf("%w: custom transform returned no image", domain.ErrImageProcessing)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: unsupported dimensions %s", domain.ErrImageProcessing, d.Kind)
}

// coverSize scales (w, h) by the larger of the two box ratios so the result
// is at least boxW x boxH.
func coverSize(w, h, boxW, boxH int) (int, int) {
	if w == 0 || h == 0 {
		return boxW, boxH
	}
	scale := math.Max(float64(boxW)/float64(w), float64(boxH)/float64(h))
	return int(math.Ceil(float64(w) * scale)), int(math.Ceil(float64(h) * scale))
}

var formats = map[string]imaging.Format{
	"jpg":  imaging.JPEG,
	"jpeg": imaging.JPEG,
	"png":  imaging.PNG,
	"gif":  imaging.GIF,
	"tif":  imaging.TIFF,
	"tiff": imaging.TIFF,
	"bmp":  imaging.BMP,
}

var pngCompression = map[string]png.CompressionLevel{
	"default": png.DefaultCompression,
	"none":    png.NoCompression,
	"fast":    png.BestSpeed,
	"best":    png.BestCompression,
}

// encoding picks the output format and encoder options. "dpi" is accepted
// but has no effect: the encoders write no density metadata.
func encoding(file *domain.File, options map[string]any) (imaging.Format, []imaging.EncodeOption, error) {
	format := imaging.JPEG
	if f, ok := formats[file.Extension()]; ok {
		format = f
	}
	if v, ok := options["format"]; ok {
		f, ok := formats[strings.ToLower(fmt.Sprint(v))]
		if !ok {
			return 0, nil, fmt.Errorf("%w: unsupported format %v", domain.ErrImageProcessing, v)
		}
		format = f
	}

	var opts []imaging.EncodeOption
	if v, ok := options["quality"]; ok {
		q, err := toInt(v)
		if err != nil || q < 1 || q > 100 {
			return 0, nil, fmt.Errorf("%w: quality must be 1-100, got %v", domain.ErrImageProcessing, v)
		}
		opts = append(opts, imaging.JPEGQuality(q))
	}
	if v, ok := options["png_compression"]; ok {
		level, ok := pngCompression[strings.ToLower(fmt.Sprint(v))]
		if !ok {
			return 0, nil, fmt.Errorf("%w: unsupported png_compression %v", domain.ErrImageProcessing, v)
		}
		opts = append(opts, imaging.PNGCompressionLevel(level))
	}
	return format, opts, nil
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	case string:
		return strconv.Atoi(n)
	}
	return 0, fmt.Errorf("not a number: %T", v)
}
