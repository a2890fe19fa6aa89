package styles

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/aymerick/douceur/css"
	"github.com/aymerick/douceur/parser"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/conneroisu/kiln/internal/errors"
)

// fakeCompiler inlines plain `@import "x";` statements and otherwise treats
// the source as CSS.
type fakeCompiler struct {
	err   error
	calls int
}

var importStmt = regexp.MustCompile(`@import\s+"([^"]+)";`)

func (f *fakeCompiler) Compile(_ context.Context, req CompileRequest) (CompileResult, error) {
	f.calls++
	if f.err != nil {
		return CompileResult{}, f.err
	}

	dir := filepath.Dir(req.Path)
	out := importStmt.ReplaceAllFunc(req.Source, func(m []byte) []byte {
		name := string(importStmt.FindSubmatch(m)[1])
		data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(name)))
		if err != nil {
			return nil
		}
		return data
	})

	res := CompileResult{CSS: out}
	if req.SourceMap {
		m := map[string]interface{}{
			"version":  3,
			"sources":  []string{fileURL(req.Path)},
			"mappings": lineMappings(bytes.Count(out, []byte("\n")) + 1),
		}
		res.SourceMap, _ = json.Marshal(m)
	}
	return res, nil
}

func (f *fakeCompiler) Close() error { return nil }

// lineMappings maps the start of each of n generated lines to the same line
// of source 0.
func lineMappings(n int) string {
	segs := make([]string, n)
	for i := range segs {
		segs[i] = "AACA"
	}
	segs[0] = "AAAA"
	return strings.Join(segs, ";")
}

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

func TestBuilderWritesIdenticalOutputs(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"src/scss/style.scss": `@import "partials/*.scss";
body { margin: 0; }
@media (max-width: 600px) { body { margin: 4px; } }
`,
		"src/scss/partials/_a.scss": `.a { user-select: none; }
@media (max-width: 600px) { .a { display: none; } }
`,
		"src/scss/partials/_b.scss": `.b { padding: 1px; }`,
		"src/scss/partials/notes.txt": `ignored`,
	})

	build := filepath.Join(root, "build", "css")
	theme := filepath.Join(root, "theme", "css")
	fc := &fakeCompiler{}
	b := NewBuilder(fc, Options{
		Entry:   filepath.Join(root, "src", "scss", "style.scss"),
		OutDirs: []string{build, theme},
	})

	require.NoError(t, b.Run(context.Background()))
	assert.Equal(t, 1, fc.calls)

	got, err := os.ReadFile(filepath.Join(build, "style.min.css"))
	require.NoError(t, err)
	mirror, err := os.ReadFile(filepath.Join(theme, "style.min.css"))
	require.NoError(t, err)
	assert.Equal(t, got, mirror)

	out := string(got)
	assert.Equal(t, 1, strings.Count(out, "@media"), out)
	assert.Contains(t, out, "-webkit-user-select:none")
	assert.Contains(t, out, "-ms-user-select:none")
	assert.Less(t, strings.Index(out, ".b{"), strings.Index(out, "@media"))
	comment := "\n/*# sourceMappingURL=style.min.css.map */\n"
	assert.True(t, strings.HasSuffix(out, comment))
	cssLines := strings.Count(strings.TrimSuffix(out, comment), "\n") + 1

	for _, dir := range []string{build, theme} {
		data, err := os.ReadFile(filepath.Join(dir, "style.min.css.map"))
		require.NoError(t, err)

		var m struct {
			File     string   `json:"file"`
			Sources  []string `json:"sources"`
			Mappings string   `json:"mappings"`
		}
		require.NoError(t, json.Unmarshal(data, &m))
		assert.Equal(t, "style.min.css", m.File)
		assert.Equal(t, []string{"../../src/scss/style.scss"}, m.Sources)

		// The map describes the minified file, not the compiler's output.
		assert.NotEmpty(t, strings.Trim(m.Mappings, ";"))
		assert.LessOrEqual(t, strings.Count(m.Mappings, ";")+1, cssLines, m.Mappings)
	}
}

func TestBuilderCompileErrorIsRecoverable(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"style.scss": "a {"})

	fc := &fakeCompiler{err: kerrors.NewTransformError(kerrors.ErrCodeStyleCompile, "expected }", nil)}
	b := NewBuilder(fc, Options{
		Entry:   filepath.Join(root, "style.scss"),
		OutDirs: []string{filepath.Join(root, "out")},
	})

	err := b.Run(context.Background())
	require.Error(t, err)
	assert.True(t, kerrors.IsTransformError(err))
	assert.True(t, kerrors.IsRecoverable(err))

	_, statErr := os.Stat(filepath.Join(root, "out"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestBuilderMissingEntry(t *testing.T) {
	root := t.TempDir()
	b := NewBuilder(&fakeCompiler{}, Options{
		Entry:   filepath.Join(root, "style.scss"),
		OutDirs: []string{filepath.Join(root, "out")},
	})

	err := b.Run(context.Background())
	require.Error(t, err)
	assert.True(t, kerrors.IsIOError(err))
	assert.False(t, kerrors.IsRecoverable(err))
}

func TestExpandGlobImports(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"components/_button.scss": "",
		"components/_card.scss":   "",
		"components/deep/_x.sass": "",
		"components/readme.md":    "",
	})

	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "double star",
			in:   "  @import \"components/**/*\";\nbody{}",
			want: "  @import \"components/_button.scss\";\n  @import \"components/_card.scss\";\n  @import \"components/deep/_x.sass\";\nbody{}",
		},
		{
			name: "single quotes and use",
			in:   "@use 'components/*.scss';",
			want: "@import 'components/_button.scss';\n@import 'components/_card.scss';",
		},
		{
			name: "no match removes import",
			in:   "@import \"missing/*.scss\";\na{}",
			want: "\na{}",
		},
		{
			name: "plain import untouched",
			in:   "@import \"components/button\";",
			want: "@import \"components/button\";",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExpandGlobImports([]byte(tt.in), root)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestExpandGlobImportsBadPattern(t *testing.T) {
	_, err := ExpandGlobImports([]byte(`@import "[a-";`), t.TempDir())
	require.Error(t, err)
	assert.True(t, kerrors.IsTransformError(err))
}

func rulesOf(t *testing.T, src string) []*css.Rule {
	t.Helper()
	sheet, err := parser.Parse(src)
	require.NoError(t, err)
	return sheet.Rules
}

func postProcess(src string, legacyIE bool) string {
	return string(PostProcess([]byte(src), legacyIE).Bytes())
}

func TestPostProcessGroupsMedia(t *testing.T) {
	in := `
.a { color: red; }
@media (max-width: 600px) { .a { color: blue; } }
.b { color: green; }
@media (min-width: 900px) { .b { color: black; } }
@media (max-width:600px) { .b { color: white; } }
@font-face { font-family: x; src: url(x.woff); }
`
	rules := rulesOf(t, postProcess(in, false))
	require.Len(t, rules, 5)
	assert.Equal(t, []string{".a"}, rules[0].Selectors)
	assert.Equal(t, []string{".b"}, rules[1].Selectors)
	assert.Equal(t, "@font-face", rules[2].Name)

	assert.Equal(t, "@media", rules[3].Name)
	require.Len(t, rules[3].Rules, 2)
	assert.Equal(t, []string{".a"}, rules[3].Rules[0].Selectors)
	assert.Equal(t, []string{".b"}, rules[3].Rules[1].Selectors)

	assert.Equal(t, "@media", rules[4].Name)
	assert.Len(t, rules[4].Rules, 1)
}

func TestPostProcessOutput(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "media merged after other rules",
			in:   ".a { color: red; }\n@media (max-width: 600px) { .a { color: blue; } }\n.b { color: green; }\n@media (max-width:600px) { .b { color: white; } }\n",
			want: ".a { color: red; }\n.b { color: green; }\n@media (max-width: 600px) { .a { color: blue; }  .b { color: white; } }\n",
		},
		{
			name: "no media",
			in:   ".a { color: red; }",
			want: ".a { color: red; }",
		},
		{
			name: "prefix inside container",
			in:   "@container (min-width: 1px) { .a { user-select: none; } }\n",
			want: "@container (min-width: 1px) { .a { -webkit-user-select: none; -moz-user-select: none; -ms-user-select: none; user-select: none; } }\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, postProcess(tt.in, false))
		})
	}
}

// Newer at-rules and legal comments must come out exactly as sass wrote them.
func TestPostProcessKeepsUnknownSyntax(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{name: "container", in: "@container sidebar (min-width: 400px) { .card { display: grid; } }\n"},
		{name: "layer statement and block", in: "@layer base, components;\n@layer base { body { margin: 0; } }\n"},
		{name: "webkit keyframes", in: "@-webkit-keyframes spin { from { -webkit-transform: rotate(0deg); } to { -webkit-transform: rotate(360deg); } }\n"},
		{name: "legal comment", in: "/*! keep me */\n.a { color: red; }\n"},
		{name: "supports", in: "@supports (display: grid) { .a { float: none; } }\n"},
		{name: "nested media in layer", in: "@layer x { @media print { .a { color: red; } } }\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.in, postProcess(tt.in, false))
		})
	}
}

func TestBuilderKeepsUnknownSyntax(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"style.scss": `/*! (c) kiln */
@layer base { body { margin: 0; } }
@container (min-width: 400px) { .card { padding: 0; } }
@-webkit-keyframes spin { to { -webkit-transform: rotate(360deg); } }
`,
	})

	out := filepath.Join(root, "out")
	b := NewBuilder(&fakeCompiler{}, Options{
		Entry:   filepath.Join(root, "style.scss"),
		OutDirs: []string{out},
	})
	require.NoError(t, b.Run(context.Background()))

	got, err := os.ReadFile(filepath.Join(out, "style.min.css"))
	require.NoError(t, err)
	for _, want := range []string{"/*! (c) kiln */", "@layer base", "@container", "@-webkit-keyframes spin"} {
		assert.Contains(t, string(got), want)
	}
}

func properties(decls []*css.Declaration) []string {
	out := make([]string, len(decls))
	for i, d := range decls {
		out[i] = d.Property + ":" + d.Value
	}
	return out
}

func TestPostProcessPrefixes(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		legacyIE bool
		want     []string
	}{
		{
			name: "user-select",
			in:   ".a { user-select: none; }",
			want: []string{"-webkit-user-select:none", "-moz-user-select:none", "-ms-user-select:none", "user-select:none"},
		},
		{
			name: "existing prefix not duplicated",
			in:   ".a { -webkit-backdrop-filter: blur(2px); backdrop-filter: blur(2px); }",
			want: []string{"-webkit-backdrop-filter:blur(2px)", "backdrop-filter:blur(2px)"},
		},
		{
			name: "sticky",
			in:   ".a { position: sticky; }",
			want: []string{"position:-webkit-sticky", "position:sticky"},
		},
		{
			name: "flex without legacy ie",
			in:   ".a { display: flex; }",
			want: []string{"display:flex"},
		},
		{
			name:     "flex with legacy ie",
			in:       ".a { display: flex; }",
			legacyIE: true,
			want:     []string{"display:-ms-flexbox", "display:flex"},
		},
		{
			name: "unrelated untouched",
			in:   ".a { color: red; }",
			want: []string{"color:red"},
		},
		{
			name: "last declaration without semicolon",
			in:   ".a { color: red; hyphens: auto }",
			want: []string{"color:red", "-webkit-hyphens:auto", "-ms-hyphens:auto", "hyphens:auto"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rules := rulesOf(t, postProcess(tt.in, tt.legacyIE))
			require.Len(t, rules, 1)
			assert.Equal(t, tt.want, properties(rules[0].Declarations))
		})
	}
}

func TestPostProcessPrefixesInsideMedia(t *testing.T) {
	rules := rulesOf(t, postProcess("@media print { .a { hyphens: auto; } }", false))
	require.Len(t, rules, 1)
	require.Len(t, rules[0].Rules, 1)
	assert.Equal(t, []string{"-webkit-hyphens:auto", "-ms-hyphens:auto", "hyphens:auto"}, properties(rules[0].Rules[0].Declarations))
}

func TestPostProcessRemapsSourceMap(t *testing.T) {
	src := "@media print { .a { color: red; } }\n.b { color: blue; }\n"
	in, err := json.Marshal(map[string]interface{}{
		"version":  3,
		"sources":  []string{"style.scss"},
		"mappings": lineMappings(3),
	})
	require.NoError(t, err)

	rw := PostProcess([]byte(src), false)
	require.Equal(t, ".b { color: blue; }\n@media print { .a { color: red; } }\n", string(rw.Bytes()))

	out, err := rw.RemapSourceMap(in)
	require.NoError(t, err)

	var m struct {
		Mappings string `json:"mappings"`
	}
	require.NoError(t, json.Unmarshal(out, &m))
	// .b now opens line 0 and came from source line 1; @media moved to line 1.
	assert.Equal(t, "AACA;AADA;", m.Mappings)
}

func TestRelativizeSources(t *testing.T) {
	root := t.TempDir()
	entry := filepath.Join(root, "src", "scss", "style.scss")
	in, err := json.Marshal(map[string]interface{}{
		"version": 3,
		"sources": []string{fileURL(entry), "data:;charset=utf-8,x"},
	})
	require.NoError(t, err)

	out, err := relativizeSources(in, filepath.Join(root, "build", "css"))
	require.NoError(t, err)

	var m struct {
		Sources []string `json:"sources"`
	}
	require.NoError(t, json.Unmarshal(out, &m))
	assert.Equal(t, []string{"../../src/scss/style.scss", "data:;charset=utf-8,x"}, m.Sources)

	empty, err := relativizeSources(nil, root)
	require.NoError(t, err)
	assert.Nil(t, empty)
}
