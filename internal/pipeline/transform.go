package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"path/filepath"
)

// Transform turns one batch into another. Stages must not mutate the files
// they receive; they return new File values instead.
type Transform interface {
	Name() string
	Transform(ctx context.Context, in Batch) (Batch, error)
}

// TransformFunc adapts a function to Transform.
type TransformFunc struct {
	name string
	fn   func(ctx context.Context, in Batch) (Batch, error)
}

// Func builds a named Transform from fn.
func Func(name string, fn func(ctx context.Context, in Batch) (Batch, error)) *TransformFunc {
	return &TransformFunc{name: name, fn: fn}
}

func (t *TransformFunc) Name() string { return t.name }

func (t *TransformFunc) Transform(ctx context.Context, in Batch) (Batch, error) {
	return t.fn(ctx, in)
}

// Map lifts a per-file function into a stage. A nil result drops the file.
func Map(name string, fn func(ctx context.Context, f *File) (*File, error)) Transform {
	return Func(name, func(ctx context.Context, in Batch) (Batch, error) {
		out := make(Batch, 0, len(in))
		for _, f := range in {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			nf, err := fn(ctx, f)
			if err != nil {
				return nil, err
			}
			if nf != nil {
				out = append(out, nf)
			}
		}
		return out, nil
	})
}

type composed struct {
	stages []Transform
}

// Compose chains stages left to right. The first failing stage stops the
// chain and its error is prefixed with the stage name.
func Compose(stages ...Transform) Transform {
	return &composed{stages: stages}
}

func (c *composed) Name() string {
	name := ""
	for i, s := range c.stages {
		if i > 0 {
			name += " | "
		}
		name += s.Name()
	}
	return name
}

func (c *composed) Transform(ctx context.Context, in Batch) (Batch, error) {
	batch := in
	for _, stage := range c.stages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out, err := stage.Transform(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", stage.Name(), err)
		}
		batch = out
	}
	return batch, nil
}

// Rename rewrites every path with fn.
func Rename(fn func(p string) string) Transform {
	return Map("rename", func(_ context.Context, f *File) (*File, error) {
		return f.WithPath(fn(f.Path)), nil
	})
}

// Suffix inserts suffix before the extension: style.css -> style.min.css.
func Suffix(suffix string) Transform {
	return Rename(func(p string) string {
		ext := path.Ext(p)
		return p[:len(p)-len(ext)] + suffix + ext
	})
}

// Concat joins the batch, in order, into a single file named name with sep
// between entries. An empty batch yields an empty file.
func Concat(name string, sep []byte) Transform {
	return Func("concat", func(_ context.Context, in Batch) (Batch, error) {
		parts := make([][]byte, 0, len(in))
		base := ""
		for _, f := range in {
			parts = append(parts, f.Contents)
			if base == "" {
				base = f.Base
			}
		}
		return Batch{{Path: name, Base: base, Contents: bytes.Join(parts, sep)}}, nil
	})
}

// Dest writes every file under each of roots and passes the batch through
// unchanged. Each root receives identical bytes.
func Dest(roots ...string) Transform {
	return Func("dest", func(ctx context.Context, in Batch) (Batch, error) {
		for _, root := range roots {
			for _, f := range in {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				if err := writeFile(filepath.Join(root, filepath.FromSlash(f.Path)), f.Contents); err != nil {
					return nil, err
				}
			}
		}
		return in, nil
	})
}
