package tasks

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/kiln/internal/config"
	kerrors "github.com/conneroisu/kiln/internal/errors"
	"github.com/conneroisu/kiln/internal/server"
	"github.com/conneroisu/kiln/internal/styles"
)

// passCompiler treats the stylesheet as plain CSS.
type passCompiler struct{ closed bool }

func (c *passCompiler) Compile(_ context.Context, req styles.CompileRequest) (styles.CompileResult, error) {
	return styles.CompileResult{CSS: req.Source}, nil
}

func (c *passCompiler) Close() error {
	c.closed = true
	return nil
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 16), G: uint8(y * 16), B: 40, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, (&png.Encoder{CompressionLevel: png.NoCompression}).Encode(&buf, img))
	return buf.Bytes()
}

func setupProject(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()

	files := map[string][]byte{
		"src/index.html": []byte(`{% extends "layout.html" %}
{% block content %}<h1>Home</h1>
  <!--DEV <script src="/debug.js"></script> -->
{% endblock %}`),
		"src/templates/layout.html":        []byte(`<html><body>{% block content %}{% endblock %}</body></html>`),
		"src/assets/scss/style.scss":       []byte("a { color: red; user-select: none; }\n@media (max-width: 600px) { a { color: blue; } }\n"),
		"src/assets/js/a.js":               []byte("const a = () => 1;\n"),
		"src/assets/js/b.js":               []byte("const b = () => a();\n"),
		"src/assets/img/logo.png":          pngBytes(t),
		"src/assets/img/icons/home.svg":    []byte(`<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 8 8"><rect width="8" height="8"/></svg>`),
		"src/assets/img/icons/profile.svg": []byte(`<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 4 4"><circle r="2"/></svg>`),
	}
	for rel, data := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, data, 0o644))
	}

	cfg := config.Default()
	cfg.Paths = config.PathsConfig{
		Src:    filepath.Join(root, "src"),
		Assets: filepath.Join(root, "src", "assets"),
		Build:  filepath.Join(root, "build"),
		Theme:  filepath.Join(root, "wp-theme"),
	}
	cfg.Watch.Debounce = 20 * time.Millisecond
	return cfg
}

func newProjectRegistry(t *testing.T, cfg *config.Config) *Registry {
	t.Helper()
	r, err := NewRegistry(cfg, nil, WithCompiler(&passCompiler{}), WithBannerOutput(&bytes.Buffer{}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func snapshot(t *testing.T, roots ...string) map[string][]byte {
	t.Helper()
	out := make(map[string][]byte)
	for _, root := range roots {
		err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
			if os.IsNotExist(err) {
				return nil
			}
			if err != nil || info.IsDir() {
				return err
			}
			rel, _ := filepath.Rel(filepath.Dir(root), p)
			data, err := os.ReadFile(p)
			out[filepath.ToSlash(rel)] = data
			return err
		})
		require.NoError(t, err)
	}
	return out
}

func keys(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func TestBuiltinTasksRegistered(t *testing.T) {
	r := newProjectRegistry(t, setupProject(t))

	want := []string{"build", "clean", "default", "htmls", "images", "jsLibs", "scripts",
		"scriptsVendors", "serve", "styles", "svgSprite", "toWebp", "watch"}
	assert.Equal(t, want, r.Names())

	for _, name := range BuildTasks {
		task, ok := r.Get(name)
		assert.True(t, ok, name)
		assert.Equal(t, KindGeneration, task.Kind, name)
	}

	clean, ok := r.Get("clean")
	require.True(t, ok)
	assert.Equal(t, KindUtility, clean.Kind)
}

func TestPlaceholdersDoNothing(t *testing.T) {
	cfg := setupProject(t)
	r := newProjectRegistry(t, cfg)

	for _, name := range []string{"scriptsVendors", "jsLibs"} {
		require.NoError(t, r.Run(context.Background(), name))
	}
	assert.NoDirExists(t, cfg.Paths.Build)
	assert.NoDirExists(t, cfg.Paths.Theme)
}

func TestCleanThenBuildIsIdempotent(t *testing.T) {
	cfg := setupProject(t)
	r := newProjectRegistry(t, cfg)
	ctx := context.Background()

	require.NoError(t, r.Series(ctx, "clean", "build"))
	first := snapshot(t, cfg.Paths.Build, cfg.Paths.Theme)

	want := []string{
		"build/css/style.min.css",
		"build/img/icons/home.svg",
		"build/img/icons/profile.svg",
		"build/img/logo.png",
		"build/img/logo.webp",
		"build/index.html",
		"build/js/script.min.js",
		"wp-theme/css/style.min.css",
		"wp-theme/img/icons/home.svg",
		"wp-theme/img/icons/profile.svg",
		"wp-theme/img/logo.png",
		"wp-theme/js/script.min.js",
	}
	if diff := cmp.Diff(want, keys(first)); diff != "" {
		t.Fatalf("output paths mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, first["build/css/style.min.css"], first["wp-theme/css/style.min.css"])
	assert.Equal(t, first["build/js/script.min.js"], first["wp-theme/js/script.min.js"])
	assert.Contains(t, string(first["build/css/style.min.css"]), "-webkit-user-select")
	assert.Contains(t, string(first["build/index.html"]), "<h1>Home</h1>")
	assert.NotContains(t, string(first["build/index.html"]), "debug.js")

	require.NoError(t, r.Series(ctx, "clean", "build"))
	second := snapshot(t, cfg.Paths.Build, cfg.Paths.Theme)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("second build differs (-first +second):\n%s", diff)
	}
}

func TestBuildJoinsFailuresAndKeepsOthers(t *testing.T) {
	cfg := setupProject(t)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.ScriptsDir(), "broken.js"), []byte("function ("), 0o644))
	r := newProjectRegistry(t, cfg)

	err := r.Run(context.Background(), "build")
	require.Error(t, err)
	assert.True(t, kerrors.IsRecoverable(err))

	var ke *kerrors.KilnError
	require.ErrorAs(t, err, &ke)
	assert.Equal(t, "scripts", ke.Task)

	assert.FileExists(t, filepath.Join(cfg.Paths.Build, "css", "style.min.css"))
	assert.FileExists(t, filepath.Join(cfg.Paths.Build, "index.html"))
	assert.NoFileExists(t, filepath.Join(cfg.Paths.Build, "js", "script.min.js"))
}

func TestSvgSprite(t *testing.T) {
	cfg := setupProject(t)
	r := newProjectRegistry(t, cfg)

	require.NoError(t, r.Run(context.Background(), "svgSprite"))
	for _, dir := range cfg.OutputDirs("img") {
		data, err := os.ReadFile(filepath.Join(dir, "sprite.svg"))
		require.NoError(t, err)
		assert.Contains(t, string(data), `id="home"`)
		assert.Contains(t, string(data), `id="profile"`)
	}
}

func TestWatchRerunsMatchingTask(t *testing.T) {
	cfg := setupProject(t)
	r := newProjectRegistry(t, cfg)

	var runs atomic.Int32
	require.NoError(t, r.Register(&Task{Name: "count", Action: func(context.Context) error {
		runs.Add(1)
		return nil
	}}))

	scss := filepath.Join(cfg.Paths.Assets, "scss")
	rules := []config.WatchRule{
		{Pattern: filepath.ToSlash(scss) + "/**/*.scss", Task: "count"},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Watch(ctx, rules, cfg.Watch.Debounce) }()

	// Keep touching the file until the watcher is up and reacts.
	i := 0
	require.Eventually(t, func() bool {
		i++
		data := []byte("a { color: red; }\n/* " + string(rune('a'+i%26)) + " */\n")
		_ = os.WriteFile(filepath.Join(scss, "style.scss"), data, 0o644)
		return runs.Load() > 0
	}, 5*time.Second, 50*time.Millisecond)

	// Files outside the rules do not trigger anything.
	time.Sleep(200 * time.Millisecond)
	before := runs.Load()
	require.NoError(t, os.WriteFile(filepath.Join(scss, "notes.txt"), []byte("x"), 0o644))
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, before, runs.Load())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestWatchRejectsUnknownTask(t *testing.T) {
	r := newProjectRegistry(t, setupProject(t))
	err := r.Watch(context.Background(), []config.WatchRule{{Pattern: "src/**/*.x", Task: "nope"}}, time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
}

func TestRuleMatcher(t *testing.T) {
	cwd := filepath.Join(string(filepath.Separator), "project")
	m := &ruleMatcher{cwd: cwd, rules: []config.WatchRule{
		{Pattern: "src/assets/scss/**/*.scss", Task: "styles"},
		{Pattern: "src/assets/js/**/*.js", Task: "scripts"},
		{Pattern: "src/**/*.html", Task: "htmls"},
	}}

	tests := []struct {
		path string
		want []string
	}{
		{path: "src/assets/scss/style.scss", want: []string{"styles"}},
		{path: filepath.Join(cwd, "src", "assets", "scss", "base", "_reset.scss"), want: []string{"styles"}},
		{path: "src/assets/js/app.js", want: []string{"scripts"}},
		{path: "src/index.html", want: []string{"htmls"}},
		{path: "src/templates/layout.html", want: []string{"htmls"}},
		{path: "src/assets/img/logo.png", want: nil},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, m.tasks(filepath.FromSlash(tt.path)), tt.path)
	}

	assert.Equal(t, []string{"src/assets/scss", "src/assets/js", "src"},
		func() []string {
			var out []string
			for _, r := range watchRoots(m.rules) {
				out = append(out, filepath.ToSlash(r))
			}
			return out
		}())
}

func TestDefaultBuildsThenServes(t *testing.T) {
	tests := []struct {
		name   string
		broken bool
	}{
		{name: "build succeeds"},
		{name: "build fails", broken: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := setupProject(t)
			cfg.Server.Host = "127.0.0.1"
			cfg.Server.Port = 0
			cfg.Watch.Rules = []config.WatchRule{
				{Pattern: filepath.ToSlash(cfg.ScriptsDir()) + "/*.js", Task: "scripts"},
			}
			if tt.broken {
				require.NoError(t, os.WriteFile(filepath.Join(cfg.ScriptsDir(), "broken.js"), []byte("function ("), 0o644))
			}

			// Whether the stylesheet was already written when serve started.
			type started struct {
				srv   *server.DevServer
				built bool
			}
			starts := make(chan started, 1)
			css := filepath.Join(cfg.Paths.Build, "css", "style.min.css")

			r, err := NewRegistry(cfg, nil,
				WithCompiler(&passCompiler{}),
				WithBannerOutput(&bytes.Buffer{}),
				WithServeHook(func(s *server.DevServer) {
					_, statErr := os.Stat(css)
					starts <- started{srv: s, built: statErr == nil}
				}))
			require.NoError(t, err)
			t.Cleanup(func() { _ = r.Close() })

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			done := make(chan error, 1)
			go func() { done <- r.Run(ctx, "default") }()

			var st started
			select {
			case st = <-starts:
			case err := <-done:
				t.Fatalf("default returned before serving: %v", err)
			case <-time.After(10 * time.Second):
				t.Fatal("serve never started")
			}
			assert.True(t, st.built, "outputs must exist before the server starts")

			require.Eventually(t, func() bool {
				addr := st.srv.Addr()
				if addr == "" {
					return false
				}
				resp, err := http.Get("http://" + addr + "/__kiln/health")
				if err != nil {
					return false
				}
				resp.Body.Close()
				return resp.StatusCode == http.StatusOK
			}, 5*time.Second, 20*time.Millisecond)

			assert.FileExists(t, css)
			assert.FileExists(t, filepath.Join(cfg.Paths.Build, "index.html"))
			if tt.broken {
				assert.NoFileExists(t, filepath.Join(cfg.Paths.Build, "js", "script.min.js"))
			} else {
				assert.FileExists(t, filepath.Join(cfg.Paths.Build, "js", "script.min.js"))
			}

			cancel()
			select {
			case err := <-done:
				assert.NoError(t, err)
			case <-time.After(10 * time.Second):
				t.Fatal("default did not stop")
			}
		})
	}
}
