// Package config provides configuration management for kiln using Viper for
// loading from files, environment variables, and command-line flags.
//
// The Paths section is the path map every task reads: the source tree, the
// assets tree inside it, the primary build root and the theme-output root.
// The remaining sections tune individual tasks. Values are read once at
// startup and are never mutated afterwards.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// DefaultConfigName is the file searched for in the working directory.
const DefaultConfigName = ".kiln"

// Config is the complete kiln configuration, one section per concern.
type Config struct {
	Paths   PathsConfig   `mapstructure:"paths" yaml:"paths"`
	Styles  StylesConfig  `mapstructure:"styles" yaml:"styles"`
	Scripts ScriptsConfig `mapstructure:"scripts" yaml:"scripts"`
	HTML    HTMLConfig    `mapstructure:"html" yaml:"html"`
	Images  ImagesConfig  `mapstructure:"images" yaml:"images"`
	Watch   WatchConfig   `mapstructure:"watch" yaml:"watch"`
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
}

// PathsConfig maps the four logical roles to file-system roots.
type PathsConfig struct {
	Src    string `mapstructure:"src" yaml:"src"`
	Assets string `mapstructure:"assets" yaml:"assets"`
	Build  string `mapstructure:"build" yaml:"build"`
	Theme  string `mapstructure:"theme" yaml:"theme"`
}

// StylesConfig controls the styles task.
type StylesConfig struct {
	// Entry is relative to Paths.Assets.
	Entry        string   `mapstructure:"entry" yaml:"entry"`
	IncludePaths []string `mapstructure:"include_paths" yaml:"include_paths,omitempty"`
	SassBinary   string   `mapstructure:"sass_binary" yaml:"sass_binary,omitempty"`
	LegacyIE     bool     `mapstructure:"legacy_ie" yaml:"legacy_ie"`
}

// ScriptsConfig controls the scripts task. Target is an esbuild target name,
// es2015 or later.
type ScriptsConfig struct {
	// Dir is relative to Paths.Assets.
	Dir    string `mapstructure:"dir" yaml:"dir"`
	Bundle string `mapstructure:"bundle" yaml:"bundle"`
	Target string `mapstructure:"target" yaml:"target"`
}

// HTMLConfig controls the htmls task. Data is exposed to every template.
type HTMLConfig struct {
	// Templates is relative to Paths.Src.
	Templates string                 `mapstructure:"templates" yaml:"templates"`
	DevMarker string                 `mapstructure:"dev_marker" yaml:"dev_marker"`
	Data      map[string]interface{} `mapstructure:"data" yaml:"data,omitempty"`
}

// ImagesConfig controls images, toWebp and svgSprite.
type ImagesConfig struct {
	// Dir is relative to Paths.Assets.
	Dir         string `mapstructure:"dir" yaml:"dir"`
	PNGLevel    int    `mapstructure:"png_level" yaml:"png_level"`
	JPEGQuality int    `mapstructure:"jpeg_quality" yaml:"jpeg_quality"`
	// SpriteDir holds the icons combined by svgSprite, relative to Dir.
	SpriteDir  string `mapstructure:"sprite_dir" yaml:"sprite_dir"`
	SpriteName string `mapstructure:"sprite_name" yaml:"sprite_name"`
}

// WatchConfig lists what watch re-runs and how long it waits for changes to
// settle.
type WatchConfig struct {
	Debounce time.Duration `mapstructure:"debounce" yaml:"debounce"`
	Rules    []WatchRule   `mapstructure:"rules" yaml:"rules"`
}

// WatchRule re-runs Task whenever a file matching Pattern changes.
// Pattern is a doublestar glob relative to the working directory.
type WatchRule struct {
	Pattern string `mapstructure:"pattern" yaml:"pattern"`
	Task    string `mapstructure:"task" yaml:"task"`
}

// ServerConfig is the dev server listen address. Port 0 picks a free port.
type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
}

// LogConfig selects the log level and the text or json format.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Default returns the configuration used when no file or override is present.
func Default() *Config {
	return &Config{
		Paths: PathsConfig{
			Src:    "src",
			Assets: "src/assets",
			Build:  "build",
			Theme:  "wp-theme",
		},
		Styles: StylesConfig{
			Entry: "scss/style.scss",
		},
		Scripts: ScriptsConfig{
			Dir:    "js",
			Bundle: "script.min.js",
			Target: "es2015",
		},
		HTML: HTMLConfig{
			Templates: "templates",
			DevMarker: "DEV",
		},
		Images: ImagesConfig{
			Dir:         "img",
			PNGLevel:    10,
			JPEGQuality: 85,
			SpriteDir:   "icons",
			SpriteName:  "sprite.svg",
		},
		Watch: WatchConfig{
			Debounce: 100 * time.Millisecond,
			Rules: []WatchRule{
				{Pattern: "src/assets/scss/**/*.scss", Task: "styles"},
				{Pattern: "src/assets/js/**/*.js", Task: "scripts"},
				{Pattern: "src/**/*.html", Task: "htmls"},
			},
		},
		Server: ServerConfig{
			Host: "localhost",
			Port: 3000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// SetDefaults registers Default() on v so that env vars and partial config
// files fall back to sane values key by key.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("paths.src", d.Paths.Src)
	v.SetDefault("paths.assets", d.Paths.Assets)
	v.SetDefault("paths.build", d.Paths.Build)
	v.SetDefault("paths.theme", d.Paths.Theme)
	v.SetDefault("styles.entry", d.Styles.Entry)
	v.SetDefault("styles.legacy_ie", d.Styles.LegacyIE)
	v.SetDefault("scripts.dir", d.Scripts.Dir)
	v.SetDefault("scripts.bundle", d.Scripts.Bundle)
	v.SetDefault("scripts.target", d.Scripts.Target)
	v.SetDefault("html.templates", d.HTML.Templates)
	v.SetDefault("html.dev_marker", d.HTML.DevMarker)
	v.SetDefault("images.dir", d.Images.Dir)
	v.SetDefault("images.png_level", d.Images.PNGLevel)
	v.SetDefault("images.jpeg_quality", d.Images.JPEGQuality)
	v.SetDefault("images.sprite_dir", d.Images.SpriteDir)
	v.SetDefault("images.sprite_name", d.Images.SpriteName)
	v.SetDefault("watch.debounce", d.Watch.Debounce)
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// Load reads the configuration from the global viper instance.
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom unmarshals and validates the configuration held by v.
func LoadFrom(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	// Rules are a list of maps, which viper cannot default key by key.
	if len(config.Watch.Rules) == 0 {
		config.Watch.Rules = Default().Watch.Rules
	}

	config.Paths.Src = filepath.Clean(config.Paths.Src)
	config.Paths.Assets = filepath.Clean(config.Paths.Assets)
	config.Paths.Build = filepath.Clean(config.Paths.Build)
	config.Paths.Theme = filepath.Clean(config.Paths.Theme)

	if err := Validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// StyleEntry is the stylesheet entry point.
func (c *Config) StyleEntry() string {
	return filepath.Join(c.Paths.Assets, c.Styles.Entry)
}

// ScriptsDir holds the script sources.
func (c *Config) ScriptsDir() string {
	return filepath.Join(c.Paths.Assets, c.Scripts.Dir)
}

// ImagesDir holds the image sources.
func (c *Config) ImagesDir() string {
	return filepath.Join(c.Paths.Assets, c.Images.Dir)
}

// SpriteDir holds the svg icons combined into the sprite.
func (c *Config) SpriteDir() string {
	return filepath.Join(c.ImagesDir(), c.Images.SpriteDir)
}

// TemplatesDir is the root used to resolve extends and include tags.
func (c *Config) TemplatesDir() string {
	return filepath.Join(c.Paths.Src, c.HTML.Templates)
}

// OutputRoots returns the build root followed by the theme-output root.
func (c *Config) OutputRoots() []string {
	return []string{c.Paths.Build, c.Paths.Theme}
}

// OutputDirs joins sub onto both output roots.
func (c *Config) OutputDirs(sub string) []string {
	return []string{filepath.Join(c.Paths.Build, sub), filepath.Join(c.Paths.Theme, sub)}
}

// Addr is the dev server listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
