package images

import (
	"bytes"
	"context"
	"strings"

	"github.com/HugoSmits86/nativewebp"

	kerrors "github.com/conneroisu/kiln/internal/errors"
	"github.com/conneroisu/kiln/internal/pipeline"
)

// WebPPatterns selects the rasters converted to WebP.
var WebPPatterns = []string{"**/*.{jpg,jpeg,png,JPG,JPEG,PNG}"}

// WebPOptions configures WebP conversion.
type WebPOptions struct {
	Dir    string
	OutDir string
}

// WebPConverter writes a lossless .webp next to every raster's output path.
// Source rasters are left where they are.
type WebPConverter struct {
	opts WebPOptions
}

func NewWebPConverter(opts WebPOptions) *WebPConverter {
	return &WebPConverter{opts: opts}
}

// Run converts every matching image.
func (c *WebPConverter) Run(ctx context.Context) error {
	in, err := pipeline.Src(c.opts.Dir, WebPPatterns...)
	if err != nil {
		return err
	}
	_, err = pipeline.Compose(
		pipeline.Map("webp", toWebP),
		pipeline.Dest(c.opts.OutDir),
	).Transform(ctx, in)
	return err
}

func toWebP(_ context.Context, f *pipeline.File) (*pipeline.File, error) {
	img, err := decode(f.Contents)
	if err != nil {
		return nil, kerrors.NewTransformError(kerrors.ErrCodeImageEncode, "failed to decode image", err).
			WithLocation(f.SourcePath(), 0, 0)
	}

	var buf bytes.Buffer
	if err := nativewebp.Encode(&buf, img, nil); err != nil {
		return nil, kerrors.NewTransformError(kerrors.ErrCodeImageEncode, "failed to encode webp", err).
			WithLocation(f.SourcePath(), 0, 0)
	}

	out := &pipeline.File{
		Path:     strings.TrimSuffix(f.Path, f.Ext()) + ".webp",
		Base:     f.Base,
		Contents: buf.Bytes(),
	}
	return out, nil
}
