package tasks

import (
	"context"
	"sync"
)

// runner serializes the runs of one task. A trigger during a run queues a
// single follow-up run; triggers arriving while one is queued merge into it.
type runner struct {
	run     func(ctx context.Context) error
	onError func(ctx context.Context, err error)

	mu      sync.Mutex
	running bool
	pending bool
	closed  bool
	wg      sync.WaitGroup
}

func newRunner(run func(ctx context.Context) error, onError func(ctx context.Context, err error)) *runner {
	return &runner{run: run, onError: onError}
}

func (r *runner) trigger(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || ctx.Err() != nil {
		return
	}
	if r.running {
		r.pending = true
		return
	}
	r.running = true
	r.wg.Add(1)
	go r.loop(ctx)
}

func (r *runner) loop(ctx context.Context) {
	defer r.wg.Done()
	for {
		if err := r.run(ctx); err != nil && ctx.Err() == nil {
			r.onError(ctx, err)
		}

		r.mu.Lock()
		if !r.pending || r.closed || ctx.Err() != nil {
			r.running = false
			r.pending = false
			r.mu.Unlock()
			return
		}
		r.pending = false
		r.mu.Unlock()
	}
}

// close stops accepting triggers and waits for the current run.
func (r *runner) close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.wg.Wait()
}
