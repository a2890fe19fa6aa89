package images

import (
	"bytes"
	"context"
	"path"
	"strings"

	"github.com/tdewolff/minify/v2"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	kerrors "github.com/conneroisu/kiln/internal/errors"
	"github.com/conneroisu/kiln/internal/pipeline"
)

// SpriteOptions configures the svg sprite.
type SpriteOptions struct {
	// Dir holds the icons; only its top level is read.
	Dir     string
	Name    string
	OutDirs []string
}

// Sprite combines svg icons into one file of <symbol> elements, each with
// the icon's file name as id, for use with <use href="sprite.svg#name">.
type Sprite struct {
	opts     SpriteOptions
	minifier *minify.M
}

func NewSprite(opts SpriteOptions) *Sprite {
	if opts.Name == "" {
		opts.Name = "sprite.svg"
	}
	return &Sprite{opts: opts, minifier: newSVGMinifier()}
}

// Run writes the sprite. An empty icon directory yields an empty sprite.
func (s *Sprite) Run(ctx context.Context) error {
	in, err := pipeline.Src(s.opts.Dir, "*.svg")
	if err != nil {
		return err
	}
	_, err = pipeline.Compose(
		pipeline.Map("svgmin", s.minify),
		pipeline.Func("svgstore", s.store),
		pipeline.Dest(s.opts.OutDirs...),
	).Transform(ctx, in)
	return err
}

func (s *Sprite) minify(_ context.Context, f *pipeline.File) (*pipeline.File, error) {
	out, err := s.minifier.Bytes("image/svg+xml", f.Contents)
	if err != nil {
		return nil, kerrors.NewTransformError(kerrors.ErrCodeMinify, "failed to minify svg", err).
			WithLocation(f.SourcePath(), 0, 0)
	}
	return f.WithContents(out), nil
}

func (s *Sprite) store(_ context.Context, in pipeline.Batch) (pipeline.Batch, error) {
	root := &html.Node{
		Type:      html.ElementNode,
		DataAtom:  atom.Svg,
		Data:      "svg",
		Namespace: "svg",
		Attr: []html.Attribute{
			{Key: "xmlns", Val: "http://www.w3.org/2000/svg"},
			{Key: "style", Val: "display:none"},
		},
	}

	for _, f := range in {
		symbol, err := toSymbol(f)
		if err != nil {
			return nil, err
		}
		root.AppendChild(symbol)
	}

	var buf bytes.Buffer
	if err := html.Render(&buf, root); err != nil {
		return nil, kerrors.NewInternalError(kerrors.ErrCodeInternalError, "failed to render sprite", err)
	}
	base := ""
	if len(in) > 0 {
		base = in[0].Base
	}
	return pipeline.Batch{{Path: s.opts.Name, Base: base, Contents: buf.Bytes()}}, nil
}

func toSymbol(f *pipeline.File) (*html.Node, error) {
	doc, err := html.Parse(bytes.NewReader(f.Contents))
	if err != nil {
		return nil, kerrors.NewTransformError(kerrors.ErrCodeImageEncode, "failed to parse svg", err).
			WithLocation(f.SourcePath(), 0, 0)
	}

	svg := findSVG(doc)
	if svg == nil {
		return nil, kerrors.NewTransformError(kerrors.ErrCodeImageEncode, "file has no <svg> element", nil).
			WithLocation(f.SourcePath(), 0, 0)
	}

	symbol := &html.Node{
		Type:      html.ElementNode,
		Data:      "symbol",
		Namespace: "svg",
		Attr:      []html.Attribute{{Key: "id", Val: strings.TrimSuffix(path.Base(f.Path), f.Ext())}},
	}
	for _, a := range svg.Attr {
		if a.Namespace == "" && a.Key == "viewBox" {
			symbol.Attr = append(symbol.Attr, a)
		}
	}

	for c := svg.FirstChild; c != nil; {
		next := c.NextSibling
		svg.RemoveChild(c)
		symbol.AppendChild(c)
		c = next
	}
	return symbol, nil
}

func findSVG(n *html.Node) *html.Node {
	if n.Type == html.ElementNode && n.Data == "svg" {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findSVG(c); found != nil {
			return found
		}
	}
	return nil
}
