// Package images optimizes the site images, converts rasters to WebP and
// combines svg icons into a sprite.
package images

import (
	"bytes"
	"context"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"strings"

	"github.com/tdewolff/minify/v2"
	mincss "github.com/tdewolff/minify/v2/css"
	minsvg "github.com/tdewolff/minify/v2/svg"

	kerrors "github.com/conneroisu/kiln/internal/errors"
	"github.com/conneroisu/kiln/internal/pipeline"
)

// OptimizePatterns selects the files handled by the optimizer.
var OptimizePatterns = []string{"**/*.{jpg,jpeg,png,gif,svg,ico,JPG,JPEG,PNG,GIF,SVG,ICO}"}

// Options configures image optimization.
type Options struct {
	Dir string
	// PNGLevel runs from 0 (copy) to 10 (best compression).
	PNGLevel    int
	JPEGQuality int
	OutDirs     []string
}

// Optimizer runs the image pipeline. Every output is the smaller of the
// source and its re-encoded form, so running it twice yields the same files.
type Optimizer struct {
	opts     Options
	minifier *minify.M
}

// NewOptimizer returns an Optimizer for opts.
func NewOptimizer(opts Options) *Optimizer {
	if opts.JPEGQuality <= 0 {
		opts.JPEGQuality = 85
	}
	return &Optimizer{opts: opts, minifier: newSVGMinifier()}
}

func newSVGMinifier() *minify.M {
	m := minify.New()
	m.AddFunc("text/css", mincss.Minify)
	m.AddFunc("image/svg+xml", minsvg.Minify)
	return m
}

// Run optimizes every matching image.
func (o *Optimizer) Run(ctx context.Context) error {
	in, err := pipeline.Src(o.opts.Dir, OptimizePatterns...)
	if err != nil {
		return err
	}
	_, err = pipeline.Compose(
		pipeline.Map("imagemin", o.optimize),
		pipeline.Dest(o.opts.OutDirs...),
	).Transform(ctx, in)
	return err
}

func (o *Optimizer) optimize(_ context.Context, f *pipeline.File) (*pipeline.File, error) {
	var (
		out []byte
		err error
	)

	switch strings.ToLower(f.Ext()) {
	case ".png":
		out, err = o.png(f.Contents)
	case ".jpg", ".jpeg":
		out, err = o.jpeg(f.Contents)
	case ".gif":
		out, err = o.gif(f.Contents)
	case ".svg":
		out, err = o.minifier.Bytes("image/svg+xml", f.Contents)
	default:
		return f, nil
	}
	if err != nil {
		return nil, kerrors.NewTransformError(kerrors.ErrCodeImageEncode, "failed to optimize image", err).
			WithLocation(f.SourcePath(), 0, 0)
	}
	return f.WithContents(smaller(f.Contents, out)), nil
}

func (o *Optimizer) png(src []byte) ([]byte, error) {
	if o.opts.PNGLevel <= 0 {
		return src, nil
	}
	img, err := png.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	enc := png.Encoder{CompressionLevel: pngCompression(o.opts.PNGLevel)}
	var buf bytes.Buffer
	if err := enc.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func pngCompression(level int) png.CompressionLevel {
	switch {
	case level >= 7:
		return png.BestCompression
	case level >= 4:
		return png.DefaultCompression
	default:
		return png.BestSpeed
	}
}

func (o *Optimizer) jpeg(src []byte) ([]byte, error) {
	img, err := jpeg.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: o.opts.JPEGQuality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// gif re-encodes still images only; animations are copied.
func (o *Optimizer) gif(src []byte) ([]byte, error) {
	g, err := gif.DecodeAll(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	if len(g.Image) != 1 {
		return src, nil
	}
	var buf bytes.Buffer
	if err := gif.EncodeAll(&buf, g); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func smaller(orig, candidate []byte) []byte {
	if len(candidate) == 0 || len(candidate) >= len(orig) {
		return orig
	}
	return candidate
}

// decode reads any registered raster format.
func decode(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	return img, err
}
