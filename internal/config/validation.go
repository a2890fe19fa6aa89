package config

import (
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	kerrors "github.com/conneroisu/kiln/internal/errors"
)

// ScriptTargets lists the accepted values for scripts.target. es2015 is the
// floor: esbuild cannot lower let, const or arrow functions to es5.
var ScriptTargets = []string{
	"es2015", "es2016", "es2017", "es2018", "es2019",
	"es2020", "es2021", "es2022", "esnext",
}

var dangerousChars = []string{";", "&", "|", "$", "`", "<", ">", "\"", "'"}

// Validate checks config for values that would make a task misbehave.
// All problems are reported together.
func Validate(config *Config) error {
	vec := &kerrors.ValidationErrorCollection{}

	validatePaths(&config.Paths, vec)
	validateStyles(&config.Styles, vec)
	validateScripts(&config.Scripts, vec)
	validateHTML(&config.HTML, vec)
	validateImages(&config.Images, vec)
	validateWatch(&config.Watch, vec)
	validateServer(&config.Server, vec)
	validateLog(&config.Log, vec)

	if ke := vec.ToKilnError(); ke != nil {
		return ke
	}
	return nil
}

func validatePaths(p *PathsConfig, vec *kerrors.ValidationErrorCollection) {
	fields := map[string]string{
		"paths.src":    p.Src,
		"paths.assets": p.Assets,
		"paths.build":  p.Build,
		"paths.theme":  p.Theme,
	}
	for field, value := range fields {
		if err := validatePath(value); err != "" {
			vec.AddField(field, value, err)
		}
	}

	// The output roots are deleted by clean, so they must never be the
	// working directory or overlap the sources.
	for field, value := range map[string]string{"paths.build": p.Build, "paths.theme": p.Theme} {
		clean := filepath.Clean(value)
		if clean == "." || clean == string(filepath.Separator) {
			vec.AddField(field, value, "output root must be a dedicated directory")
		}
		if clean == filepath.Clean(p.Src) || isWithin(filepath.Clean(p.Src), clean) {
			vec.AddField(field, value, "output root must not contain the source tree")
		}
	}
	if p.Build != "" && filepath.Clean(p.Build) == filepath.Clean(p.Theme) {
		vec.AddField("paths.theme", p.Theme, "theme root must differ from build root")
	}
}

func validateStyles(s *StylesConfig, vec *kerrors.ValidationErrorCollection) {
	if err := validatePath(s.Entry); err != "" {
		vec.AddField("styles.entry", s.Entry, err)
	}
	if ext := filepath.Ext(s.Entry); ext != ".scss" && ext != ".sass" && ext != ".css" {
		vec.AddField("styles.entry", s.Entry, "entry must be a .scss, .sass or .css file")
	}
	for _, inc := range s.IncludePaths {
		if err := validatePath(inc); err != "" {
			vec.AddField("styles.include_paths", inc, err)
		}
	}
}

func validateScripts(s *ScriptsConfig, vec *kerrors.ValidationErrorCollection) {
	if err := validatePath(s.Dir); err != "" {
		vec.AddField("scripts.dir", s.Dir, err)
	}
	if s.Bundle == "" || strings.ContainsAny(s.Bundle, `/\`) {
		vec.AddField("scripts.bundle", s.Bundle, "bundle must be a plain file name")
	}
	if strings.EqualFold(strings.TrimSpace(s.Target), "es5") {
		vec.AddField("scripts.target", s.Target, "es5 is not supported, the lowest target is es2015")
		return
	}
	known := false
	for _, t := range ScriptTargets {
		if strings.EqualFold(t, s.Target) {
			known = true
			break
		}
	}
	if !known {
		vec.AddField("scripts.target", s.Target, "unknown target, expected one of "+strings.Join(ScriptTargets, ", "))
	}
}

func validateHTML(h *HTMLConfig, vec *kerrors.ValidationErrorCollection) {
	if err := validatePath(h.Templates); err != "" {
		vec.AddField("html.templates", h.Templates, err)
	}
	if h.DevMarker == "" || strings.ContainsAny(h.DevMarker, " \t\r\n") || strings.Contains(h.DevMarker, "-->") {
		vec.AddField("html.dev_marker", h.DevMarker, "marker must be a single non-empty token")
	}
}

func validateImages(i *ImagesConfig, vec *kerrors.ValidationErrorCollection) {
	if err := validatePath(i.Dir); err != "" {
		vec.AddField("images.dir", i.Dir, err)
	}
	if i.PNGLevel < 0 || i.PNGLevel > 10 {
		vec.AddField("images.png_level", i.PNGLevel, "png_level must be between 0 and 10")
	}
	if i.JPEGQuality < 1 || i.JPEGQuality > 100 {
		vec.AddField("images.jpeg_quality", i.JPEGQuality, "jpeg_quality must be between 1 and 100")
	}
	if err := validatePath(i.SpriteDir); err != "" {
		vec.AddField("images.sprite_dir", i.SpriteDir, err)
	}
	if filepath.Ext(i.SpriteName) != ".svg" || strings.ContainsAny(i.SpriteName, `/\`) {
		vec.AddField("images.sprite_name", i.SpriteName, "sprite_name must be a plain .svg file name")
	}
}

func validateWatch(w *WatchConfig, vec *kerrors.ValidationErrorCollection) {
	if w.Debounce < 0 {
		vec.AddField("watch.debounce", w.Debounce, "debounce must not be negative")
	}
	for _, rule := range w.Rules {
		if rule.Task == "" {
			vec.AddField("watch.rules", rule.Pattern, "rule has no task")
		}
		if !doublestar.ValidatePattern(filepath.ToSlash(rule.Pattern)) {
			vec.AddField("watch.rules", rule.Pattern, "invalid glob pattern")
		}
	}
}

func validateServer(s *ServerConfig, vec *kerrors.ValidationErrorCollection) {
	// Port 0 lets the OS pick, which tests rely on.
	if s.Port < 0 || s.Port > 65535 {
		vec.AddField("server.port", s.Port, "port is not in valid range 0-65535")
	}
	for _, char := range dangerousChars {
		if strings.Contains(s.Host, char) {
			vec.AddField("server.host", s.Host, "host contains dangerous character "+char)
			break
		}
	}
}

func validateLog(l *LogConfig, vec *kerrors.ValidationErrorCollection) {
	switch strings.ToLower(l.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		vec.AddField("log.level", l.Level, "expected debug, info, warn or error")
	}
	switch l.Format {
	case "", "text", "json":
	default:
		vec.AddField("log.format", l.Format, "expected text or json")
	}
}

// validatePath returns a description of what is wrong with path, or "".
func validatePath(path string) string {
	if strings.TrimSpace(path) == "" {
		return "path must not be empty"
	}

	for _, part := range strings.Split(filepath.ToSlash(filepath.Clean(path)), "/") {
		if part == ".." {
			return "path contains traversal"
		}
	}

	for _, char := range dangerousChars {
		if strings.Contains(path, char) {
			return "path contains dangerous character " + char
		}
	}

	return ""
}

// isWithin reports whether child lies under parent.
func isWithin(child, parent string) bool {
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
