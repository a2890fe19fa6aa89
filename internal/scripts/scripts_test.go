package scripts

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/conneroisu/kiln/internal/errors"
)

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

func newBundler(t *testing.T, root, target string) *Bundler {
	t.Helper()
	b, err := NewBundler(Options{
		Dir:     filepath.Join(root, "js"),
		Bundle:  "script.min.js",
		Target:  target,
		OutDirs: []string{filepath.Join(root, "build", "js"), filepath.Join(root, "theme", "js")},
	})
	require.NoError(t, err)
	return b
}

func TestBundleOrderAndOutputs(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"js/b_second.js":  "window.second = window.first + 1\n",
		"js/a_first.js":   "window.first = 1\n",
		"js/c_third.js":   "window.third = { value: window.second }?.value\n",
		"js/vendor/no.js": "window.nested = true\n",
	})

	require.NoError(t, newBundler(t, root, "es2019").Run(context.Background()))

	got, err := os.ReadFile(filepath.Join(root, "build", "js", "script.min.js"))
	require.NoError(t, err)
	mirror, err := os.ReadFile(filepath.Join(root, "theme", "js", "script.min.js"))
	require.NoError(t, err)
	assert.Equal(t, got, mirror)

	out := string(got)
	first := strings.Index(out, "window.first=")
	second := strings.Index(out, "window.second=")
	third := strings.Index(out, "window.third=")
	require.True(t, first >= 0 && second >= 0 && third >= 0, out)
	assert.Less(t, first, second)
	assert.Less(t, second, third)

	assert.NotContains(t, out, "?.")
	assert.NotContains(t, out, "nested")
}

func TestEmptyDirectoryWritesEmptyBundle(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "js"), 0o755))

	require.NoError(t, newBundler(t, root, "es2015").Run(context.Background()))

	got, err := os.ReadFile(filepath.Join(root, "build", "js", "script.min.js"))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSyntaxErrorIsRecoverable(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"js/ok.js":     "window.ok = 1\n",
		"js/broken.js": "window.x = function (\n",
	})

	err := newBundler(t, root, "es2015").Run(context.Background())
	require.Error(t, err)
	assert.True(t, kerrors.IsTransformError(err))
	assert.True(t, kerrors.IsRecoverable(err))

	var ke *kerrors.KilnError
	require.ErrorAs(t, err, &ke)
	assert.Equal(t, filepath.Join(root, "js", "broken.js"), ke.FilePath)
	assert.Positive(t, ke.Line)

	_, statErr := os.Stat(filepath.Join(root, "build"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestMissingDirectory(t *testing.T) {
	err := newBundler(t, t.TempDir(), "es2015").Run(context.Background())
	require.Error(t, err)
	assert.True(t, kerrors.IsIOError(err))
}

func TestParseTarget(t *testing.T) {
	tests := []struct {
		in      string
		want    api.Target
		wantErr bool
	}{
		{in: "es5", wantErr: true},
		{in: "ES2015", want: api.ES2015},
		{in: " es2022 ", want: api.ES2022},
		{in: "esnext", want: api.ESNext},
		{in: "es3", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTarget(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewBundlerDefaults(t *testing.T) {
	b, err := NewBundler(Options{Dir: "js", Target: "es2015"})
	require.NoError(t, err)
	assert.Equal(t, "script.min.js", b.opts.Bundle)

	_, err = NewBundler(Options{Dir: "js", Target: "es1"})
	assert.Error(t, err)
}
