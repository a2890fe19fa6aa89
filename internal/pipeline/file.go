// Package pipeline models the file stream every generation task works on.
//
// A task reads a Batch from a source root with Src, runs it through a
// sequence of Transform stages composed with Compose, and ends with Dest,
// which writes each file under one or more output roots. Batches live only
// for the duration of a task run.
package pipeline

import (
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	kerrors "github.com/conneroisu/kiln/internal/errors"
)

// File is one entry of a stream.
type File struct {
	// Path is slash separated and relative to Base.
	Path string
	// Base is the root the file was read from.
	Base      string
	Contents  []byte
	// SourceMap is a v3 source map describing Contents, when a stage made one.
	SourceMap []byte
}

// SourcePath is the location the file was read from.
func (f *File) SourcePath() string {
	return filepath.Join(f.Base, filepath.FromSlash(f.Path))
}

// Ext returns the file extension including the dot.
func (f *File) Ext() string {
	return path.Ext(f.Path)
}

// WithPath returns a copy of f at a new relative path.
func (f *File) WithPath(p string) *File {
	return &File{Path: p, Base: f.Base, Contents: f.Contents, SourceMap: f.SourceMap}
}

// WithContents returns a copy of f holding b.
func (f *File) WithContents(b []byte) *File {
	return &File{Path: f.Path, Base: f.Base, Contents: b, SourceMap: f.SourceMap}
}

// Batch is an ordered file stream.
type Batch []*File

// Paths lists the relative paths in order.
func (b Batch) Paths() []string {
	out := make([]string, len(b))
	for i, f := range b {
		out[i] = f.Path
	}
	return out
}

// Src reads every regular file under root whose relative path matches one of
// patterns. Patterns use doublestar syntax (`**`, `{a,b}`). The result is
// sorted by relative path, which is the directory-listing order.
func Src(root string, patterns ...string) (Batch, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, kerrors.ErrFileNotFound(root, err)
	}
	if !info.IsDir() {
		return nil, kerrors.NewIOError(kerrors.ErrCodeInvalidPath, "source root is not a directory", nil).
			WithLocation(root, 0, 0)
	}

	fsys := os.DirFS(root)
	seen := make(map[string]struct{})
	var matches []string
	for _, pattern := range patterns {
		found, err := doublestar.Glob(fsys, pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, kerrors.NewIOError(kerrors.ErrCodeInvalidPath, "bad source pattern "+pattern, err)
		}
		for _, m := range found {
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			matches = append(matches, m)
		}
	}
	sort.Strings(matches)

	batch := make(Batch, 0, len(matches))
	for _, rel := range matches {
		data, err := fs.ReadFile(fsys, rel)
		if err != nil {
			return nil, kerrors.NewIOError(kerrors.ErrCodeReadFailed, "failed to read source", err).
				WithLocation(filepath.Join(root, filepath.FromSlash(rel)), 0, 0)
		}
		batch = append(batch, &File{Path: rel, Base: root, Contents: data})
	}

	return batch, nil
}

// Match reports whether the slash path name matches the doublestar pattern.
func Match(pattern, name string) bool {
	ok, err := doublestar.Match(filepath.ToSlash(pattern), filepath.ToSlash(name))
	return err == nil && ok
}

// StaticPrefix returns the directory part of pattern before its first
// wildcard, e.g. "src/assets" for "src/assets/**/*.scss".
func StaticPrefix(pattern string) string {
	base, _ := doublestar.SplitPattern(filepath.ToSlash(pattern))
	return strings.TrimSuffix(filepath.FromSlash(base), string(filepath.Separator))
}

// writeFile creates parent directories idempotently and writes data.
func writeFile(dst string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return kerrors.NewIOError(kerrors.ErrCodeWriteFailed, "failed to create output directory", err).
			WithLocation(filepath.Dir(dst), 0, 0)
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return kerrors.NewIOError(kerrors.ErrCodeWriteFailed, "failed to write output", err).
			WithLocation(dst, 0, 0)
	}
	return nil
}
