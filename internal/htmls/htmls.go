// Package htmls renders the site pages.
//
// Every top-level page has its development-only comment blocks removed and
// is then rendered through pongo2, whose {% extends %} and {% include %}
// tags resolve against the templates directory.
package htmls

import (
	"bytes"
	"context"
	"errors"
	"os"
	"regexp"

	"github.com/flosch/pongo2/v6"

	kerrors "github.com/conneroisu/kiln/internal/errors"
	"github.com/conneroisu/kiln/internal/pipeline"
)

// DefaultMarker opens development-only blocks: <!--DEV ... -->.
const DefaultMarker = "DEV"

// Options configures a page render.
type Options struct {
	// SrcDir holds the pages; only its top level is read.
	SrcDir string
	// TemplatesDir is the root for extends and include.
	TemplatesDir string
	// Marker is the token opening a development block. Empty means DEV.
	Marker string
	// Data is exposed to every page.
	Data   map[string]interface{}
	OutDir string
}

// Renderer runs the page pipeline.
type Renderer struct {
	opts  Options
	strip *regexp.Regexp
}

// NewRenderer returns a Renderer for opts.
func NewRenderer(opts Options) *Renderer {
	if opts.Marker == "" {
		opts.Marker = DefaultMarker
	}
	return &Renderer{opts: opts, strip: devBlockPattern(opts.Marker)}
}

func devBlockPattern(marker string) *regexp.Regexp {
	return regexp.MustCompile(`\n\s*<!--` + regexp.QuoteMeta(marker) + `[\s\S]+?-->`)
}

// StripDevBlocks removes every development block opened by marker. A block
// starts at the line break before the comment and ends at the first "-->".
func StripDevBlocks(src []byte, marker string) []byte {
	if marker == "" {
		marker = DefaultMarker
	}
	return devBlockPattern(marker).ReplaceAll(src, nil)
}

// Run renders the pages into OutDir.
func (r *Renderer) Run(ctx context.Context) error {
	in, err := pipeline.Src(r.opts.SrcDir, "*.html")
	if err != nil {
		return err
	}

	set, err := r.templateSet()
	if err != nil {
		return err
	}

	_, err = pipeline.Compose(
		pipeline.Map("strip-dev", r.stripDev),
		pipeline.Map("nunjucks", func(_ context.Context, f *pipeline.File) (*pipeline.File, error) {
			return render(set, f)
		}),
		pipeline.Dest(r.opts.OutDir),
	).Transform(ctx, in)
	return err
}

func (r *Renderer) stripDev(_ context.Context, f *pipeline.File) (*pipeline.File, error) {
	return f.WithContents(r.strip.ReplaceAll(f.Contents, nil)), nil
}

// templateSet is rebuilt on every run so edited layouts are picked up.
func (r *Renderer) templateSet() (*pongo2.TemplateSet, error) {
	base := r.opts.TemplatesDir
	if info, err := os.Stat(base); err != nil || !info.IsDir() {
		base = r.opts.SrcDir
	}

	loader, err := pongo2.NewLocalFileSystemLoader(base)
	if err != nil {
		return nil, kerrors.NewIOError(kerrors.ErrCodeInvalidPath, "cannot use templates directory", err).
			WithLocation(base, 0, 0)
	}

	set := pongo2.NewSet("kiln", loader)
	set.Globals = pongo2.Context{}
	for k, v := range r.opts.Data {
		set.Globals[k] = v
	}
	return set, nil
}

func render(set *pongo2.TemplateSet, f *pipeline.File) (*pipeline.File, error) {
	tpl, err := set.FromBytes(f.Contents)
	if err != nil {
		return nil, templateError(f, err)
	}

	var buf bytes.Buffer
	if err := tpl.ExecuteWriter(pongo2.Context{"page": f.Path}, &buf); err != nil {
		return nil, templateError(f, err)
	}
	return f.WithContents(buf.Bytes()), nil
}

func templateError(f *pipeline.File, err error) error {
	ke := kerrors.NewTransformError(kerrors.ErrCodeTemplateRender, "failed to render page", err)

	var perr *pongo2.Error
	if errors.As(err, &perr) {
		file := perr.Filename
		if file == "" || file == "<string>" {
			file = f.SourcePath()
		}
		return ke.WithLocation(file, perr.Line, perr.Column)
	}
	return ke.WithLocation(f.SourcePath(), 0, 0)
}
