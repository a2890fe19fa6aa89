package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFrom(viper.New())
	require.NoError(t, err)

	assert.Equal(t, "src", cfg.Paths.Src)
	assert.Equal(t, "src/assets", cfg.Paths.Assets)
	assert.Equal(t, "build", cfg.Paths.Build)
	assert.Equal(t, "wp-theme", cfg.Paths.Theme)
	assert.Equal(t, filepath.Join("src", "assets", "scss", "style.scss"), cfg.StyleEntry())
	assert.Equal(t, filepath.Join("src", "assets", "js"), cfg.ScriptsDir())
	assert.Equal(t, filepath.Join("src", "assets", "img"), cfg.ImagesDir())
	assert.Equal(t, filepath.Join("src", "templates"), cfg.TemplatesDir())
	assert.Equal(t, []string{"build", "wp-theme"}, cfg.OutputRoots())
	assert.Equal(t, []string{filepath.Join("build", "css"), filepath.Join("wp-theme", "css")}, cfg.OutputDirs("css"))
	assert.Equal(t, "script.min.js", cfg.Scripts.Bundle)
	assert.Equal(t, "es2015", cfg.Scripts.Target)
	assert.Equal(t, "DEV", cfg.HTML.DevMarker)
	assert.Equal(t, 100*time.Millisecond, cfg.Watch.Debounce)
	assert.Len(t, cfg.Watch.Rules, 3)
	assert.Equal(t, "localhost:3000", cfg.Addr())
}

func TestLoadOverrides(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(v *viper.Viper)
		verify func(t *testing.T, cfg *Config)
	}{
		{
			name: "custom paths",
			setup: func(v *viper.Viper) {
				v.Set("paths.build", "dist/")
				v.Set("paths.theme", "./theme")
			},
			verify: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "dist", cfg.Paths.Build)
				assert.Equal(t, "theme", cfg.Paths.Theme)
			},
		},
		{
			name: "debounce from string",
			setup: func(v *viper.Viper) {
				v.Set("watch.debounce", "250ms")
			},
			verify: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 250*time.Millisecond, cfg.Watch.Debounce)
			},
		},
		{
			name: "custom watch rules",
			setup: func(v *viper.Viper) {
				v.Set("watch.rules", []map[string]interface{}{
					{"pattern": "src/**/*.njk", "task": "htmls"},
				})
			},
			verify: func(t *testing.T, cfg *Config) {
				require.Len(t, cfg.Watch.Rules, 1)
				assert.Equal(t, WatchRule{Pattern: "src/**/*.njk", Task: "htmls"}, cfg.Watch.Rules[0])
			},
		},
		{
			name: "template data",
			setup: func(v *viper.Viper) {
				v.Set("html.data", map[string]interface{}{"title": "Shop"})
			},
			verify: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "Shop", cfg.HTML.Data["title"])
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := viper.New()
			tt.setup(v)
			cfg, err := LoadFrom(v)
			require.NoError(t, err)
			tt.verify(t, cfg)
		})
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value interface{}
		field string
	}{
		{"port out of range", "server.port", 70000, "server.port"},
		{"traversal in build", "paths.build", "../outside", "paths.build"},
		{"build is cwd", "paths.build", ".", "paths.build"},
		{"theme equals build", "paths.theme", "build", "paths.theme"},
		{"build contains src", "paths.build", "src/..", "paths.build"},
		{"unknown target", "scripts.target", "es3", "scripts.target"},
		{"es5 target", "scripts.target", "es5", "lowest target is es2015"},
		{"bundle with dir", "scripts.bundle", "js/app.js", "scripts.bundle"},
		{"quality zero", "images.jpeg_quality", 0, "images.jpeg_quality"},
		{"png level", "images.png_level", 11, "images.png_level"},
		{"marker with space", "html.dev_marker", "DEV ONLY", "html.dev_marker"},
		{"bad entry", "styles.entry", "scss/style.less", "styles.entry"},
		{"bad log format", "log.format", "xml", "log.format"},
		{"dangerous host", "server.host", "localhost;rm", "server.host"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := viper.New()
			v.Set(tt.key, tt.value)
			_, err := LoadFrom(v)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, ".kiln.yml")
	content := `
paths:
  build: public
scripts:
  target: es2019
server:
  port: 8081
`
	require.NoError(t, os.WriteFile(file, []byte(content), 0o644))

	v := viper.New()
	v.SetConfigFile(file)
	require.NoError(t, v.ReadInConfig())

	cfg, err := LoadFrom(v)
	require.NoError(t, err)
	assert.Equal(t, "public", cfg.Paths.Build)
	assert.Equal(t, "wp-theme", cfg.Paths.Theme)
	assert.Equal(t, "es2019", cfg.Scripts.Target)
	assert.Equal(t, 8081, cfg.Server.Port)
}

func TestWriteFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, ".kiln.yml")

	want := Default()
	want.Server.Port = 4000
	want.Watch.Debounce = 300 * time.Millisecond
	require.NoError(t, WriteFile(file, want, false))

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "# kiln configuration"))
	assert.Contains(t, string(data), "debounce: 300ms")

	v := viper.New()
	v.SetConfigFile(file)
	require.NoError(t, v.ReadInConfig())
	got, err := LoadFrom(v)
	require.NoError(t, err)
	assert.Equal(t, want.Server.Port, got.Server.Port)
	assert.Equal(t, want.Watch.Debounce, got.Watch.Debounce)
	assert.Equal(t, want.Watch.Rules, got.Watch.Rules)

	err = WriteFile(file, want, false)
	assert.Error(t, err)
	assert.NoError(t, WriteFile(file, want, true))
}
