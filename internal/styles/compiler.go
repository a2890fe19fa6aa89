package styles

import (
	"context"
	"encoding/json"
	"net/url"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bep/godartsass/v2"

	kerrors "github.com/conneroisu/kiln/internal/errors"
)

// CompileRequest is one stylesheet compilation.
type CompileRequest struct {
	Source []byte
	// Path is the entry file; imports are resolved relative to it.
	Path         string
	IncludePaths []string
	SourceMap    bool
}

// CompileResult holds plain CSS and, when requested, a v3 source map.
type CompileResult struct {
	CSS       []byte
	SourceMap []byte
}

// Compiler turns Sass into CSS.
type Compiler interface {
	Compile(ctx context.Context, req CompileRequest) (CompileResult, error)
	Close() error
}

// DartSass compiles through the dart-sass embedded protocol. The sass
// process is started on first use and reused until Close.
type DartSass struct {
	binary string

	mu         sync.Mutex
	transpiler *godartsass.Transpiler
}

// NewDartSass returns a compiler using binary, or "sass" from PATH when empty.
func NewDartSass(binary string) *DartSass {
	return &DartSass{binary: binary}
}

func (d *DartSass) start() (*godartsass.Transpiler, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.transpiler != nil {
		return d.transpiler, nil
	}

	t, err := godartsass.Start(godartsass.Options{
		DartSassEmbeddedFilename: d.binary,
	})
	if err != nil {
		return nil, kerrors.NewInternalError(kerrors.ErrCodeStyleCompile, "failed to start dart-sass", err)
	}
	d.transpiler = t
	return t, nil
}

// Compile implements Compiler.
func (d *DartSass) Compile(ctx context.Context, req CompileRequest) (CompileResult, error) {
	if err := ctx.Err(); err != nil {
		return CompileResult{}, err
	}

	t, err := d.start()
	if err != nil {
		return CompileResult{}, err
	}

	abs, err := filepath.Abs(req.Path)
	if err != nil {
		return CompileResult{}, kerrors.NewIOError(kerrors.ErrCodeInvalidPath, "cannot resolve entry", err)
	}

	includes := make([]string, 0, len(req.IncludePaths)+1)
	includes = append(includes, filepath.Dir(abs))
	includes = append(includes, req.IncludePaths...)

	args := godartsass.Args{
		Source:                  string(req.Source),
		URL:                     fileURL(abs),
		OutputStyle:             godartsass.OutputStyleExpanded,
		IncludePaths:            includes,
		EnableSourceMap:         req.SourceMap,
		SourceMapIncludeSources: req.SourceMap,
	}
	if strings.HasSuffix(abs, ".sass") {
		args.SourceSyntax = godartsass.SourceSyntaxSASS
	} else if strings.HasSuffix(abs, ".css") {
		args.SourceSyntax = godartsass.SourceSyntaxCSS
	}

	res, err := t.Execute(args)
	if err != nil {
		return CompileResult{}, kerrors.NewTransformError(kerrors.ErrCodeStyleCompile, "sass compilation failed", err).
			WithLocation(req.Path, 0, 0)
	}

	return CompileResult{CSS: []byte(res.CSS), SourceMap: []byte(res.SourceMap)}, nil
}

// Close stops the sass process if it was started.
func (d *DartSass) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.transpiler == nil {
		return nil
	}
	err := d.transpiler.Close()
	d.transpiler = nil
	return err
}

func fileURL(abs string) string {
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}
	if !strings.HasPrefix(u.Path, "/") {
		u.Path = "/" + u.Path
	}
	return u.String()
}

// relativizeSources rewrites file:// entries of a source map's "sources"
// so they are relative to outDir, the directory the CSS is written to.
func relativizeSources(sourceMap []byte, outDir string) ([]byte, error) {
	if len(sourceMap) == 0 {
		return nil, nil
	}

	var m map[string]interface{}
	if err := json.Unmarshal(sourceMap, &m); err != nil {
		return nil, err
	}

	absOut, err := filepath.Abs(outDir)
	if err != nil {
		return nil, err
	}

	sources, _ := m["sources"].([]interface{})
	for i, s := range sources {
		str, ok := s.(string)
		if !ok || !strings.HasPrefix(str, "file://") {
			continue
		}
		u, err := url.Parse(str)
		if err != nil {
			continue
		}
		p := filepath.FromSlash(u.Path)
		// file:///C:/x on Windows
		if len(p) > 2 && p[0] == filepath.Separator && p[2] == ':' {
			p = p[1:]
		}
		if rel, err := filepath.Rel(absOut, p); err == nil {
			sources[i] = filepath.ToSlash(rel)
		}
	}

	return json.Marshal(m)
}
