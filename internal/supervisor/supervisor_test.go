package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/evhub/internal/errs"
	"github.com/and161185/evhub/internal/model"
)

type fakeSink struct {
	mu      sync.Mutex
	reports []model.FailureReport
	err     error
}

func (f *fakeSink) Report(_ context.Context, r model.FailureReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, r)
	return f.err
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reports)
}

func blockUntilCancel(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func waitDone(t *testing.T, s *Supervisor) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("task did not finish")
	}
}

func TestStartStop_Clean(t *testing.T) {
	t.Parallel()
	sink := &fakeSink{}
	s := New("events", blockUntilCancel, sink, zaptest.NewLogger(t))

	require.NoError(t, s.Start(context.Background()))
	require.True(t, s.Running())
	require.NoError(t, s.Stop())
	require.False(t, s.Running())
	require.Zero(t, sink.count())
}

func TestStart_Twice(t *testing.T) {
	t.Parallel()
	s := New("events", blockUntilCancel, nil, zaptest.NewLogger(t))

	require.NoError(t, s.Start(context.Background()))
	require.ErrorIs(t, s.Start(context.Background()), errs.ErrAlreadyRunning)
	require.NoError(t, s.Stop())

	// restart after stop is allowed
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop())
}

func TestStop_WithoutStart(t *testing.T) {
	t.Parallel()
	s := New("events", blockUntilCancel, nil, zaptest.NewLogger(t))
	require.NoError(t, s.Stop())
	require.Nil(t, s.Done())
}

func TestStop_FromOtherGoroutine(t *testing.T) {
	t.Parallel()
	s := New("events", blockUntilCancel, nil, zaptest.NewLogger(t))
	require.NoError(t, s.Start(context.Background()))

	errCh := make(chan error, 1)
	go func() { errCh <- s.Stop() }()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return")
	}
}

func TestStop_WaitsForTaskCleanup(t *testing.T) {
	t.Parallel()
	var released bool
	task := func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		released = true
		return nil
	}
	s := New("events", task, nil, zaptest.NewLogger(t))
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop())
	require.True(t, released)
}

func TestPanic_EscalatedOnce(t *testing.T) {
	t.Parallel()
	sink := &fakeSink{}
	s := New("events", func(context.Context) error { panic("listener exploded") }, sink, zaptest.NewLogger(t))

	require.NoError(t, s.Start(context.Background()))
	waitDone(t, s)

	require.Equal(t, 1, sink.count())
	r := sink.reports[0]
	require.Equal(t, "events", r.Task)
	require.Contains(t, r.Err, "listener exploded")
	require.Contains(t, r.Trace, "goroutine")

	var pe *PanicError
	require.ErrorAs(t, s.Err(), &pe)

	// Stop after a failed run returns the failure and does not report again.
	require.Error(t, s.Stop())
	require.Equal(t, 1, sink.count())
}

func TestError_EscalatedWithStack(t *testing.T) {
	t.Parallel()
	sink := &fakeSink{}
	boom := pkgerrors.WithStack(errors.New("accept: too many open files"))
	s := New("events", func(context.Context) error { return boom }, sink, zaptest.NewLogger(t))

	require.NoError(t, s.Start(context.Background()))
	waitDone(t, s)

	require.Equal(t, 1, sink.count())
	require.Contains(t, sink.reports[0].Trace, "supervisor_test.go")
	require.ErrorIs(t, s.Err(), boom)
}

func TestFailure_DoesNotAffectOtherSupervisors(t *testing.T) {
	t.Parallel()
	sink := &fakeSink{}
	bad := New("bad", func(context.Context) error { panic("boom") }, sink, zaptest.NewLogger(t))
	good := New("good", blockUntilCancel, sink, zaptest.NewLogger(t))

	require.NoError(t, good.Start(context.Background()))
	require.NoError(t, bad.Start(context.Background()))
	waitDone(t, bad)

	require.True(t, good.Running())
	require.NoError(t, good.Stop())
	require.Equal(t, 1, sink.count())
}

func TestSinkError_IsSwallowed(t *testing.T) {
	t.Parallel()
	sink := &fakeSink{err: errors.New("smtp down")}
	s := New("events", func(context.Context) error { return errors.New("boom") }, sink, zaptest.NewLogger(t))

	require.NoError(t, s.Start(context.Background()))
	waitDone(t, s)
	require.Equal(t, 1, sink.count())
}

func TestParentCancel_NotEscalated(t *testing.T) {
	t.Parallel()
	sink := &fakeSink{}
	s := New("events", blockUntilCancel, sink, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	cancel()
	waitDone(t, s)

	require.NoError(t, s.Err())
	require.Zero(t, sink.count())
}

func TestOnExit(t *testing.T) {
	t.Parallel()
	got := make(chan error, 1)
	s := New("events", func(context.Context) error { return errors.New("boom") }, nil, zaptest.NewLogger(t))
	s.OnExit = func(err error) { got <- err }

	require.NoError(t, s.Start(context.Background()))
	select {
	case err := <-got:
		require.EqualError(t, err, "boom")
	case <-time.After(2 * time.Second):
		t.Fatal("OnExit not called")
	}
}
