// Package task runs fire-and-forget work outside the request lifecycle.
//
// A task never reports back to the code that started it. Errors and panics
// are handed to an ErrorSink and stop there.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"go2-edge/internal/metrics"
	"go2-edge/pkg/logger"
)

// ErrClosed is reported when a task is submitted after Wait started.
var ErrClosed = errors.New("task runner is draining")

// ErrorSink receives every task failure.
type ErrorSink interface {
	Report(ctx context.Context, task string, err error, panicked bool)
}

// LogSink logs failures with the logger carried by the task context and
// counts them.
type LogSink struct{}

func (LogSink) Report(ctx context.Context, task string, err error, panicked bool) {
	kind := "error"
	if panicked {
		kind = "panic"
	}
	metrics.DetachedTaskFailuresTotal.WithLabelValues(task, kind).Inc()
	logger.Ctx(ctx).Error().Err(err).Str("task", task).Bool("panic", panicked).Msg("detached task failed")
}

// Runner starts detached tasks and can drain them on shutdown.
type Runner struct {
	timeout time.Duration
	sink    ErrorSink

	mu     sync.RWMutex
	closed bool
	wg     conc.WaitGroup
}

// NewRunner returns a runner bounding each task by timeout (0 = unbounded).
func NewRunner(timeout time.Duration, sink ErrorSink) *Runner {
	if sink == nil {
		sink = LogSink{}
	}
	return &Runner{timeout: timeout, sink: sink}
}

// Go runs fn on its own goroutine. The task context keeps ctx's values
// (request logger, request id) but not its cancellation, so it outlives the
// request that spawned it.
func (r *Runner) Go(ctx context.Context, name string, fn func(ctx context.Context) error) {
	taskCtx := context.WithoutCancel(ctx)

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.sink.Report(taskCtx, name, ErrClosed, false)
		return
	}

	r.wg.Go(func() {
		runCtx := taskCtx
		if r.timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(taskCtx, r.timeout)
			defer cancel()
		}

		var (
			pc  panics.Catcher
			err error
		)
		pc.Try(func() { err = fn(runCtx) })

		if rec := pc.Recovered(); rec != nil {
			r.sink.Report(taskCtx, name, rec.AsError(), true)
			return
		}
		if err != nil {
			r.sink.Report(taskCtx, name, err, false)
		}
	})
}

// Wait stops accepting tasks and blocks until running ones finish or ctx is
// done.
func (r *Runner) Wait(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for detached tasks: %w", ctx.Err())
	}
}
