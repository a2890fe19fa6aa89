// Package tasks holds the named tasks of a kiln project and runs them,
// alone, in sequence or as a parallel group.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/sourcegraph/conc/pool"

	kerrors "github.com/conneroisu/kiln/internal/errors"
	"github.com/conneroisu/kiln/internal/logging"
)

// Kind groups tasks for listings.
type Kind int

const (
	// KindGeneration tasks read sources and write outputs.
	KindGeneration Kind = iota
	// KindPlaceholder tasks exist to be named and do nothing.
	KindPlaceholder
	// KindComposite tasks only run other tasks.
	KindComposite
	// KindService tasks run until their context is cancelled.
	KindService
	// KindUtility tasks maintain the project without producing output.
	KindUtility
)

// Kinds lists every kind in listing order.
var Kinds = []Kind{KindGeneration, KindComposite, KindService, KindUtility, KindPlaceholder}

func (k Kind) String() string {
	switch k {
	case KindGeneration:
		return "generation"
	case KindPlaceholder:
		return "placeholder"
	case KindComposite:
		return "composite"
	case KindService:
		return "service"
	case KindUtility:
		return "utility"
	default:
		return "unknown"
	}
}

// Action is the body of a task.
type Action func(ctx context.Context) error

// Task is a named unit of work.
type Task struct {
	Name        string
	Description string
	Kind        Kind
	Action      Action
}

// Registry maps task names to tasks. It is safe for concurrent use.
type Registry struct {
	tasks map[string]*Task
	order []string
	mutex sync.RWMutex

	logger  logging.Logger
	banner  *logging.Banner
	closers []io.Closer

	// onWatchError sees every failed rerun of the watch loop.
	onWatchError func(error)
}

// NewEmptyRegistry returns a registry without any task.
func NewEmptyRegistry(logger logging.Logger, banner *logging.Banner) *Registry {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if banner == nil {
		banner = logging.NewBanner(io.Discard)
	}
	return &Registry{
		tasks:  make(map[string]*Task),
		logger: logger.WithComponent("tasks"),
		banner: banner,
	}
}

// Register adds t. Names are unique.
func (r *Registry) Register(t *Task) error {
	if t == nil || t.Name == "" || t.Action == nil {
		return kerrors.NewValidationError(kerrors.ErrCodeValidationFailed, "task needs a name and an action")
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.tasks[t.Name]; exists {
		return kerrors.NewValidationError(kerrors.ErrCodeDuplicateTask, fmt.Sprintf("task %q is already registered", t.Name))
	}
	r.tasks[t.Name] = t
	r.order = append(r.order, t.Name)
	return nil
}

// Get returns the task called name.
func (r *Registry) Get(name string) (*Task, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	t, ok := r.tasks[name]
	return t, ok
}

// Names returns the sorted task names.
func (r *Registry) Names() []string {
	r.mutex.RLock()
	names := append([]string(nil), r.order...)
	r.mutex.RUnlock()

	sort.Strings(names)
	return names
}

// Tasks returns the tasks in registration order.
func (r *Registry) Tasks() []*Task {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	out := make([]*Task, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tasks[name])
	}
	return out
}

// Run executes the task called name between a start and a finish banner.
// Errors carrying no task name get this one.
func (r *Registry) Run(ctx context.Context, name string) error {
	t, ok := r.Get(name)
	if !ok {
		return kerrors.ErrTaskNotFound(name, r.Names())
	}

	r.banner.Starting(name)
	perf := logging.StartOperation(r.logger, name)

	err := t.Action(ctx)
	if err != nil {
		var ke *kerrors.KilnError
		if errors.As(err, &ke) && ke.Task == "" {
			ke.WithTask(name)
		}
		r.banner.Failed(name, perf.Elapsed(), err)
		return err
	}

	perf.End(ctx)
	r.banner.Finished(name, perf.Elapsed())
	return nil
}

// Parallel runs the named tasks concurrently and waits for all of them.
// A failing task does not cancel the others; their errors are joined.
func (r *Registry) Parallel(ctx context.Context, names ...string) error {
	if err := r.known(names); err != nil {
		return err
	}

	p := pool.New().WithErrors().WithContext(ctx)
	for _, name := range names {
		name := name
		p.Go(func(ctx context.Context) error {
			return r.Run(ctx, name)
		})
	}
	return p.Wait()
}

// Series runs the named tasks one after another and stops at the first
// error.
func (r *Registry) Series(ctx context.Context, names ...string) error {
	if err := r.known(names); err != nil {
		return err
	}

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.Run(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// services runs long-running tasks together. The first one to fail stops
// the rest.
func (r *Registry) services(ctx context.Context, names ...string) error {
	if err := r.known(names); err != nil {
		return err
	}

	p := pool.New().WithErrors().WithContext(ctx).WithCancelOnError()
	for _, name := range names {
		name := name
		p.Go(func(ctx context.Context) error {
			return r.Run(ctx, name)
		})
	}
	return p.Wait()
}

func (r *Registry) known(names []string) error {
	for _, name := range names {
		if _, ok := r.Get(name); !ok {
			return kerrors.ErrTaskNotFound(name, r.Names())
		}
	}
	return nil
}

// Close releases resources held by tasks, such as the sass process.
func (r *Registry) Close() error {
	r.mutex.Lock()
	closers := r.closers
	r.closers = nil
	r.mutex.Unlock()

	var errs []error
	for _, c := range closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) addCloser(c io.Closer) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.closers = append(r.closers, c)
}
