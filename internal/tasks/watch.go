package tasks

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/conneroisu/kiln/internal/config"
	kerrors "github.com/conneroisu/kiln/internal/errors"
	"github.com/conneroisu/kiln/internal/pipeline"
	"github.com/conneroisu/kiln/internal/watcher"
)

// Watch re-runs tasks when files matching their rules change, until ctx is
// cancelled. Every task gets its own runner, so different tasks may run at
// the same time while one task never overlaps itself.
func (r *Registry) Watch(ctx context.Context, rules []config.WatchRule, debounce time.Duration) error {
	if len(rules) == 0 {
		return kerrors.NewConfigError(kerrors.ErrCodeConfigInvalid, "no watch rules configured")
	}
	for _, rule := range rules {
		if _, ok := r.Get(rule.Task); !ok {
			return kerrors.ErrTaskNotFound(rule.Task, r.Names())
		}
	}

	cwd, err := os.Getwd()
	if err != nil {
		return kerrors.NewIOError(kerrors.ErrCodeInvalidPath, "cannot resolve working directory", err)
	}
	m := &ruleMatcher{cwd: cwd, rules: rules}

	fw, err := watcher.NewFileWatcher(debounce, r.logger)
	if err != nil {
		return kerrors.NewInternalError(kerrors.ErrCodeInternalError, "failed to create watcher", err)
	}
	defer fw.Stop()

	fw.AddFilter(watcher.NoHiddenFilter)
	fw.AddFilter(func(path string) bool { return len(m.tasks(path)) > 0 })

	watched := 0
	for _, root := range watchRoots(rules) {
		if err := fw.AddRecursive(root); err != nil {
			r.logger.Warn(ctx, err, "Cannot watch directory", "path", root)
			continue
		}
		watched++
	}
	if watched == 0 {
		return kerrors.NewIOError(kerrors.ErrCodeFileNotFound, "none of the watched directories exist", nil)
	}

	handler := kerrors.NewErrorHandler(r.logger)
	runners := make(map[string]*runner)
	for _, rule := range rules {
		if _, ok := runners[rule.Task]; ok {
			continue
		}
		name := rule.Task
		runners[name] = newRunner(
			func(ctx context.Context) error { return r.Run(ctx, name) },
			func(ctx context.Context, err error) {
				handler.Handle(ctx, err)
				if r.onWatchError != nil {
					r.onWatchError(err)
				}
			},
		)
	}

	fw.AddHandler(func(events []watcher.ChangeEvent) error {
		seen := make(map[string]bool)
		for _, e := range events {
			for _, name := range m.tasks(e.Path) {
				if seen[name] {
					continue
				}
				seen[name] = true
				r.logger.Debug(ctx, "Change detected", "path", e.Path, "event", e.Type.String(), "task", name)
				runners[name].trigger(ctx)
			}
		}
		return nil
	})

	if err := fw.Start(ctx); err != nil {
		return err
	}
	r.logger.Info(ctx, "Watching for changes", "rules", len(rules))

	<-ctx.Done()
	for _, rn := range runners {
		rn.close()
	}
	return nil
}

// ruleMatcher maps a changed path onto the tasks of the rules it matches.
// Relative patterns are resolved against cwd.
type ruleMatcher struct {
	cwd   string
	rules []config.WatchRule
}

func (m *ruleMatcher) tasks(path string) []string {
	var out []string
	for _, rule := range m.rules {
		if m.match(rule.Pattern, path) {
			out = append(out, rule.Task)
		}
	}
	return out
}

func (m *ruleMatcher) match(pattern, path string) bool {
	if filepath.IsAbs(pattern) {
		if !filepath.IsAbs(path) {
			path = filepath.Join(m.cwd, path)
		}
		return watcher.MatchAny("", path, pattern)
	}
	return watcher.MatchAny(m.cwd, path, pattern)
}

// watchRoots returns the distinct non-wildcard prefixes of the rule
// patterns, each watched recursively.
func watchRoots(rules []config.WatchRule) []string {
	seen := make(map[string]bool)
	var roots []string
	for _, rule := range rules {
		root := pipeline.StaticPrefix(rule.Pattern)
		if root == "" {
			root = "."
		}
		if seen[root] {
			continue
		}
		seen[root] = true
		roots = append(roots, root)
	}
	return roots
}
