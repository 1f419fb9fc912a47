package supervisor

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thejerf/suture/v4"

	"go2-edge/pkg/logger"
)

type mockService struct {
	name   string
	starts atomic.Int32
	fail   atomic.Bool
}

func (m *mockService) Serve(ctx context.Context) error {
	m.starts.Add(1)
	if m.fail.Load() {
		return errors.New("crash")
	}
	<-ctx.Done()
	return ctx.Err()
}

func (m *mockService) String() string { return m.name }

func TestNewTreeDefaults(t *testing.T) {
	tree := NewTree(logger.Nop(), TreeConfig{})
	assert.Equal(t, 5.0, tree.config.FailureThreshold)
	assert.Equal(t, 30.0, tree.config.FailureDecay)
	assert.Equal(t, 15*time.Second, tree.config.FailureBackoff)
	assert.Equal(t, 10*time.Second, tree.config.ShutdownTimeout)
}

func TestTreeRestartsCrashedWorker(t *testing.T) {
	tree := NewTree(logger.Nop(), TreeConfig{FailureBackoff: 10 * time.Millisecond, ShutdownTimeout: time.Second})
	api := &mockService{name: "api"}
	worker := &mockService{name: "worker"}
	worker.fail.Store(true)
	tree.AddAPIService(api)
	tree.AddWorkerService(worker)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := tree.ServeBackground(ctx)

	require.Eventually(t, func() bool { return worker.starts.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	worker.fail.Store(false)
	assert.Equal(t, int32(1), api.starts.Load(), "api layer is unaffected")

	cancel()
	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatal("tree did not stop")
	}
}

func TestEventHookHandlesAllEvents(t *testing.T) {
	hook := EventHook(logger.Nop())
	assert.NotPanics(t, func() {
		hook(suture.EventServicePanic{SupervisorName: "root", ServiceName: "svc", PanicMsg: "boom"})
		hook(suture.EventServiceTerminate{SupervisorName: "root", ServiceName: "svc", Err: errors.New("x")})
		hook(suture.EventBackoff{SupervisorName: "root"})
		hook(suture.EventResume{SupervisorName: "root"})
		hook(suture.EventStopTimeout{SupervisorName: "root", ServiceName: "svc"})
	})
}

type fakeServer struct {
	listenErr error
	stop      chan struct{}
	shutdowns atomic.Int32
}

func (s *fakeServer) ListenAndServe() error {
	if s.listenErr != nil {
		return s.listenErr
	}
	<-s.stop
	return http.ErrServerClosed
}

func (s *fakeServer) Shutdown(context.Context) error {
	s.shutdowns.Add(1)
	close(s.stop)
	return nil
}

func TestHTTPServerServiceGracefulStop(t *testing.T) {
	srv := &fakeServer{stop: make(chan struct{})}
	var drained atomic.Bool
	svc := NewHTTPServerService(srv, time.Second, func(ctx context.Context) {
		_, ok := ctx.Deadline()
		drained.Store(ok)
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("service did not stop")
	}
	assert.Equal(t, int32(1), srv.shutdowns.Load())
	assert.True(t, drained.Load())
}

func TestHTTPServerServiceListenFailure(t *testing.T) {
	svc := NewHTTPServerService(&fakeServer{listenErr: errors.New("address in use")}, 0, nil)
	err := svc.Serve(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "address in use")
	assert.Equal(t, "http-server", svc.String())
}
