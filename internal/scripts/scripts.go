// Package scripts transpiles the site scripts and bundles them into a single
// minified file.
package scripts

import (
	"context"
	"fmt"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/tdewolff/minify/v2"
	minjs "github.com/tdewolff/minify/v2/js"

	kerrors "github.com/conneroisu/kiln/internal/errors"
	"github.com/conneroisu/kiln/internal/pipeline"
)

// separator keeps adjacent files from merging into one statement.
var separator = []byte(";\n")

var targets = map[string]api.Target{
	"es2015": api.ES2015,
	"es2016": api.ES2016,
	"es2017": api.ES2017,
	"es2018": api.ES2018,
	"es2019": api.ES2019,
	"es2020": api.ES2020,
	"es2021": api.ES2021,
	"es2022": api.ES2022,
	"esnext": api.ESNext,
}

// ParseTarget maps a target name such as "es2015" to an esbuild target.
func ParseTarget(name string) (api.Target, error) {
	t, ok := targets[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return api.DefaultTarget, kerrors.NewValidationError(kerrors.ErrCodeValidationFailed,
			fmt.Sprintf("unknown script target %q", name))
	}
	return t, nil
}

// Options configures a script build.
type Options struct {
	// Dir holds the scripts; only its top level is read.
	Dir string
	// Bundle is the output file name.
	Bundle  string
	Target  string
	OutDirs []string
}

// Bundler runs the script pipeline.
type Bundler struct {
	opts     Options
	target   api.Target
	minifier *minify.M
}

// NewBundler validates opts and returns a Bundler.
func NewBundler(opts Options) (*Bundler, error) {
	target, err := ParseTarget(opts.Target)
	if err != nil {
		return nil, err
	}
	if opts.Bundle == "" {
		opts.Bundle = "script.min.js"
	}

	m := minify.New()
	m.AddFunc("application/javascript", minjs.Minify)
	return &Bundler{opts: opts, target: target, minifier: m}, nil
}

// Run transpiles, concatenates, minifies and writes the bundle.
func (b *Bundler) Run(ctx context.Context) error {
	in, err := pipeline.Src(b.opts.Dir, "*.js")
	if err != nil {
		return err
	}
	_, err = b.Pipeline().Transform(ctx, in)
	return err
}

// Pipeline returns the stages applied to the script files.
func (b *Bundler) Pipeline() pipeline.Transform {
	return pipeline.Compose(
		pipeline.Map("esbuild", b.transpile),
		pipeline.Concat(b.opts.Bundle, separator),
		pipeline.Map("uglify", b.minify),
		pipeline.Dest(b.opts.OutDirs...),
	)
}

func (b *Bundler) transpile(_ context.Context, f *pipeline.File) (*pipeline.File, error) {
	res := api.Transform(string(f.Contents), api.TransformOptions{
		Loader:     api.LoaderJS,
		Target:     b.target,
		Sourcefile: f.Path,
		LogLevel:   api.LogLevelSilent,
	})
	if len(res.Errors) > 0 {
		return nil, messageError(f, res.Errors[0])
	}
	return f.WithContents(res.Code), nil
}

func messageError(f *pipeline.File, msg api.Message) error {
	err := kerrors.NewTransformError(kerrors.ErrCodeScriptTranspile, msg.Text, nil)
	if msg.Location != nil {
		return err.WithLocation(f.SourcePath(), msg.Location.Line, msg.Location.Column)
	}
	return err.WithLocation(f.SourcePath(), 0, 0)
}

func (b *Bundler) minify(_ context.Context, f *pipeline.File) (*pipeline.File, error) {
	if len(f.Contents) == 0 {
		return f, nil
	}
	out, err := b.minifier.Bytes("application/javascript", f.Contents)
	if err != nil {
		return nil, kerrors.NewTransformError(kerrors.ErrCodeMinify, "failed to minify bundle", err).
			WithLocation(f.Path, 0, 0)
	}
	return f.WithContents(out), nil
}
