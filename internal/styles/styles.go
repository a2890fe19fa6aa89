// Package styles builds the site stylesheet.
//
// The entry file has its glob imports expanded, is compiled by a Compiler,
// gets repeated media queries merged and vendor prefixes added, is minified
// and finally written as style.min.css with a source map to every output
// directory. Each step carries the compiler's source map along so the final
// map describes the minified file.
package styles

import (
	"context"
	"encoding/base64"
	"path"
	"path/filepath"
	"strings"

	"github.com/evanw/esbuild/pkg/api"

	kerrors "github.com/conneroisu/kiln/internal/errors"
	"github.com/conneroisu/kiln/internal/pipeline"
)

// Options configures a style build.
type Options struct {
	// Entry is the stylesheet to compile.
	Entry        string
	IncludePaths []string
	// OutDirs receive identical copies of the output. Source map paths are
	// made relative to the first one.
	OutDirs  []string
	LegacyIE bool
}

// Builder runs the style pipeline.
type Builder struct {
	compiler Compiler
	opts     Options
}

// NewBuilder returns a Builder compiling with c.
func NewBuilder(c Compiler, opts Options) *Builder {
	return &Builder{compiler: c, opts: opts}
}

// Run builds the entry stylesheet and writes it out.
func (b *Builder) Run(ctx context.Context) error {
	dir, name := filepath.Split(b.opts.Entry)
	if dir == "" {
		dir = "."
	}

	in, err := pipeline.Src(dir, name)
	if err != nil {
		return err
	}
	if len(in) == 0 {
		return kerrors.ErrFileNotFound(b.opts.Entry, nil)
	}

	_, err = b.Pipeline().Transform(ctx, in)
	return err
}

// Pipeline returns the stages applied to the entry file.
func (b *Builder) Pipeline() pipeline.Transform {
	return pipeline.Compose(
		pipeline.Map("sass", b.compile),
		pipeline.Map("postprocess", b.postprocess),
		pipeline.Map("minify", b.minify),
		pipeline.Suffix(".min"),
		pipeline.WriteSourceMaps(),
		pipeline.Dest(b.opts.OutDirs...),
	)
}

func (b *Builder) compile(ctx context.Context, f *pipeline.File) (*pipeline.File, error) {
	src := f.SourcePath()

	expanded, err := ExpandGlobImports(f.Contents, filepath.Dir(src))
	if err != nil {
		return nil, err
	}

	res, err := b.compiler.Compile(ctx, CompileRequest{
		Source:       expanded,
		Path:         src,
		IncludePaths: b.opts.IncludePaths,
		SourceMap:    true,
	})
	if err != nil {
		return nil, err
	}

	var sourceMap []byte
	if len(res.SourceMap) > 0 {
		outDir := "."
		if len(b.opts.OutDirs) > 0 {
			outDir = b.opts.OutDirs[0]
		}
		sourceMap, err = relativizeSources(res.SourceMap, outDir)
		if err != nil {
			return nil, kerrors.NewTransformError(kerrors.ErrCodeStyleCompile, "invalid source map from compiler", err).
				WithLocation(src, 0, 0)
		}
	}

	out := &pipeline.File{
		Path:      strings.TrimSuffix(f.Path, path.Ext(f.Path)) + ".css",
		Base:      f.Base,
		Contents:  res.CSS,
		SourceMap: sourceMap,
	}
	return out, nil
}

func (b *Builder) postprocess(_ context.Context, f *pipeline.File) (*pipeline.File, error) {
	rw := PostProcess(f.Contents, b.opts.LegacyIE)
	out := &pipeline.File{Path: f.Path, Base: f.Base, Contents: append([]byte(nil), rw.Bytes()...)}
	if len(f.SourceMap) > 0 {
		sm, err := rw.RemapSourceMap(f.SourceMap)
		if err != nil {
			return nil, err
		}
		out.SourceMap = sm
	}
	return out, nil
}

// minify hands the stylesheet to esbuild with its current map inlined, so
// the map esbuild returns points through to the original sources.
func (b *Builder) minify(_ context.Context, f *pipeline.File) (*pipeline.File, error) {
	input := string(f.Contents)
	opts := api.TransformOptions{
		Loader:           api.LoaderCSS,
		MinifyWhitespace: true,
		MinifySyntax:     true,
		LegalComments:    api.LegalCommentsInline,
		Sourcefile:       f.Path,
		LogLevel:         api.LogLevelSilent,
	}
	if len(f.SourceMap) > 0 {
		input += "\n/*# sourceMappingURL=data:application/json;base64," +
			base64.StdEncoding.EncodeToString(f.SourceMap) + " */\n"
		opts.Sourcemap = api.SourceMapExternal
	}

	res := api.Transform(input, opts)
	if len(res.Errors) > 0 {
		msg := res.Errors[0]
		err := kerrors.NewTransformError(kerrors.ErrCodeMinify, "failed to minify css: "+msg.Text, nil)
		if msg.Location != nil {
			return nil, err.WithLocation(f.Path, msg.Location.Line, msg.Location.Column)
		}
		return nil, err.WithLocation(f.Path, 0, 0)
	}

	out := &pipeline.File{Path: f.Path, Base: f.Base, Contents: res.Code}
	if len(f.SourceMap) > 0 {
		out.SourceMap = res.Map
	}
	return out, nil
}
