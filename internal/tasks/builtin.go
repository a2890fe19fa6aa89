package tasks

import (
	"context"
	"io"
	"path/filepath"
	"sync"

	"github.com/conneroisu/kiln/internal/config"
	"github.com/conneroisu/kiln/internal/htmls"
	"github.com/conneroisu/kiln/internal/images"
	"github.com/conneroisu/kiln/internal/logging"
	"github.com/conneroisu/kiln/internal/scripts"
	"github.com/conneroisu/kiln/internal/server"
	"github.com/conneroisu/kiln/internal/styles"
)

// BuildTasks are the generation tasks run by "build", in listing order.
var BuildTasks = []string{"styles", "scripts", "scriptsVendors", "jsLibs", "htmls", "images", "toWebp"}

// Option customizes NewRegistry.
type Option func(*options)

type options struct {
	compiler     styles.Compiler
	bannerOutput io.Writer
	onServe      func(*server.DevServer)
}

// WithCompiler replaces the dart-sass compiler used by "styles".
func WithCompiler(c styles.Compiler) Option {
	return func(o *options) { o.compiler = c }
}

// WithBannerOutput sends task banners to w instead of stdout.
func WithBannerOutput(w io.Writer) Option {
	return func(o *options) { o.bannerOutput = w }
}

// WithServeHook calls fn with the dev server each time "serve" starts one,
// before it begins listening.
func WithServeHook(fn func(*server.DevServer)) Option {
	return func(o *options) { o.onServe = fn }
}

// project binds the built-in tasks to a configuration.
type project struct {
	cfg     *config.Config
	reg     *Registry
	onServe func(*server.DevServer)

	serverMutex sync.RWMutex
	server      *server.DevServer
}

// NewRegistry returns a registry holding every built-in task configured
// from cfg. Close it to stop the sass process.
func NewRegistry(cfg *config.Config, logger logging.Logger, opts ...Option) (*Registry, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	reg := NewEmptyRegistry(logger, logging.NewBanner(o.bannerOutput))
	p := &project{cfg: cfg, reg: reg, onServe: o.onServe}
	reg.onWatchError = p.reportError

	compiler := o.compiler
	if compiler == nil {
		compiler = styles.NewDartSass(cfg.Styles.SassBinary)
	}
	if c, ok := compiler.(io.Closer); ok {
		reg.addCloser(c)
	}

	styleBuilder := styles.NewBuilder(compiler, styles.Options{
		Entry:        cfg.StyleEntry(),
		IncludePaths: cfg.Styles.IncludePaths,
		OutDirs:      cfg.OutputDirs("css"),
		LegacyIE:     cfg.Styles.LegacyIE,
	})

	bundler, err := scripts.NewBundler(scripts.Options{
		Dir:     cfg.ScriptsDir(),
		Bundle:  cfg.Scripts.Bundle,
		Target:  cfg.Scripts.Target,
		OutDirs: cfg.OutputDirs("js"),
	})
	if err != nil {
		return nil, err
	}

	renderer := htmls.NewRenderer(htmls.Options{
		SrcDir:       cfg.Paths.Src,
		TemplatesDir: cfg.TemplatesDir(),
		Marker:       cfg.HTML.DevMarker,
		Data:         cfg.HTML.Data,
		OutDir:       cfg.Paths.Build,
	})

	optimizer := images.NewOptimizer(images.Options{
		Dir:         cfg.ImagesDir(),
		PNGLevel:    cfg.Images.PNGLevel,
		JPEGQuality: cfg.Images.JPEGQuality,
		OutDirs:     cfg.OutputDirs("img"),
	})

	webp := images.NewWebPConverter(images.WebPOptions{
		Dir:    cfg.ImagesDir(),
		OutDir: filepath.Join(cfg.Paths.Build, "img"),
	})

	sprite := images.NewSprite(images.SpriteOptions{
		Dir:     cfg.SpriteDir(),
		Name:    cfg.Images.SpriteName,
		OutDirs: cfg.OutputDirs("img"),
	})

	builtins := []*Task{
		{Name: "styles", Kind: KindGeneration, Action: styleBuilder.Run,
			Description: "Compile the stylesheet, group media queries, prefix, minify and write css/"},
		{Name: "scripts", Kind: KindGeneration, Action: bundler.Run,
			Description: "Transpile and concatenate the scripts into one minified bundle"},
		{Name: "scriptsVendors", Kind: KindPlaceholder, Action: noop,
			Description: "Vendor scripts (placeholder)"},
		{Name: "jsLibs", Kind: KindPlaceholder, Action: noop,
			Description: "Script libraries (placeholder)"},
		{Name: "htmls", Kind: KindGeneration, Action: renderer.Run,
			Description: "Strip development blocks and render the pages"},
		{Name: "images", Kind: KindGeneration, Action: optimizer.Run,
			Description: "Optimize images"},
		{Name: "toWebp", Kind: KindGeneration, Action: webp.Run,
			Description: "Convert raster images to WebP"},
		{Name: "svgSprite", Kind: KindGeneration, Action: sprite.Run,
			Description: "Combine svg icons into one sprite of symbols"},
		{Name: "clean", Kind: KindUtility, Action: p.clean,
			Description: "Remove the build and theme output roots"},
		{Name: "build", Kind: KindComposite, Action: p.build,
			Description: "Run every generation task in parallel"},
		{Name: "watch", Kind: KindService, Action: p.watch,
			Description: "Re-run tasks when their sources change"},
		{Name: "serve", Kind: KindService, Action: p.serve,
			Description: "Serve the build root with live reload"},
		{Name: "default", Kind: KindComposite, Action: p.dev,
			Description: "Build, then watch and serve"},
	}
	for _, t := range builtins {
		if err := reg.Register(t); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func noop(context.Context) error { return nil }

func (p *project) clean(context.Context) error {
	return Clean(p.cfg.OutputRoots(), p.cfg.Paths.Src)
}

func (p *project) build(ctx context.Context) error {
	return p.reg.Parallel(ctx, BuildTasks...)
}

func (p *project) watch(ctx context.Context) error {
	return p.reg.Watch(ctx, p.cfg.Watch.Rules, p.cfg.Watch.Debounce)
}

func (p *project) serve(ctx context.Context) error {
	s := server.New(server.Options{
		Root:     p.cfg.Paths.Build,
		Addr:     p.cfg.Addr(),
		Debounce: p.cfg.Watch.Debounce,
		Hosts:    []string{p.cfg.Server.Host},
	}, p.reg.logger)

	p.serverMutex.Lock()
	p.server = s
	p.serverMutex.Unlock()
	if p.onServe != nil {
		p.onServe(s)
	}
	defer func() {
		p.serverMutex.Lock()
		p.server = nil
		p.serverMutex.Unlock()
	}()

	return s.Run(ctx)
}

// dev builds once and then keeps watching and serving. A failed first build
// is reported and the loop starts anyway, so fixing the source recovers.
func (p *project) dev(ctx context.Context) error {
	if err := p.reg.Run(ctx, "build"); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		p.reg.logger.Warn(ctx, err, "Initial build failed, continuing with watch and serve")
	}
	return p.reg.services(ctx, "watch", "serve")
}

// reportError forwards a failed rerun to browsers connected to the dev
// server, if one is running.
func (p *project) reportError(err error) {
	p.serverMutex.RLock()
	s := p.server
	p.serverMutex.RUnlock()
	if s != nil {
		s.ReportError(err)
	}
}
