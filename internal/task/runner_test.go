package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type report struct {
	task     string
	err      error
	panicked bool
}

type recordingSink struct {
	mu      sync.Mutex
	reports []report
}

func (s *recordingSink) Report(_ context.Context, task string, err error, panicked bool) {
	s.mu.Lock()
	s.reports = append(s.reports, report{task, err, panicked})
	s.mu.Unlock()
}

func (s *recordingSink) all() []report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]report(nil), s.reports...)
}

func TestRunnerOutlivesRequestContext(t *testing.T) {
	sink := &recordingSink{}
	r := NewRunner(time.Second, sink)

	reqCtx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	var sawErr error

	r.Go(reqCtx, "record", func(ctx context.Context) error {
		close(started)
		time.Sleep(20 * time.Millisecond)
		sawErr = ctx.Err()
		return nil
	})

	<-started
	cancel()

	require.NoError(t, r.Wait(context.Background()))
	assert.NoError(t, sawErr)
	assert.Empty(t, sink.all())
}

func TestRunnerReportsErrorsAndPanics(t *testing.T) {
	sink := &recordingSink{}
	r := NewRunner(0, sink)
	boom := errors.New("boom")

	r.Go(context.Background(), "fails", func(context.Context) error { return boom })
	r.Go(context.Background(), "panics", func(context.Context) error { panic("kaboom") })

	require.NoError(t, r.Wait(context.Background()))

	reports := sink.all()
	require.Len(t, reports, 2)
	for _, rep := range reports {
		switch rep.task {
		case "fails":
			assert.ErrorIs(t, rep.err, boom)
			assert.False(t, rep.panicked)
		case "panics":
			assert.True(t, rep.panicked)
			assert.Contains(t, rep.err.Error(), "kaboom")
		default:
			t.Fatalf("unexpected task %q", rep.task)
		}
	}
}

func TestRunnerTimeout(t *testing.T) {
	sink := &recordingSink{}
	r := NewRunner(10*time.Millisecond, sink)

	r.Go(context.Background(), "slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	require.NoError(t, r.Wait(context.Background()))
	reports := sink.all()
	require.Len(t, reports, 1)
	assert.ErrorIs(t, reports[0].err, context.DeadlineExceeded)
}

func TestRunnerRejectsAfterWait(t *testing.T) {
	sink := &recordingSink{}
	r := NewRunner(0, sink)
	require.NoError(t, r.Wait(context.Background()))

	ran := false
	r.Go(context.Background(), "late", func(context.Context) error { ran = true; return nil })

	assert.False(t, ran)
	reports := sink.all()
	require.Len(t, reports, 1)
	assert.ErrorIs(t, reports[0].err, ErrClosed)
}

func TestRunnerWaitHonorsContext(t *testing.T) {
	r := NewRunner(0, &recordingSink{})
	release := make(chan struct{})
	r.Go(context.Background(), "blocked", func(context.Context) error {
		<-release
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Wait(ctx), context.DeadlineExceeded)
	close(release)
}
