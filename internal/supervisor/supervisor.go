// Package supervisor runs a long-lived task as one cancellable unit and turns any
// failure escaping it into a report for an escalation sink.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/evhub/internal/errs"
	"github.com/and161185/evhub/internal/model"
)

// Task is the supervised entry point. It must return once ctx is cancelled.
type Task func(ctx context.Context) error

// Sink receives failure reports.
type Sink interface {
	Report(ctx context.Context, r model.FailureReport) error
}

// PanicError is the error recorded when the task panics.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// Supervisor owns the lifecycle of one Task.
type Supervisor struct {
	name string
	task Task
	sink Sink
	log  *zap.Logger

	// OnExit, when set, is called after each run with the task's result.
	OnExit func(err error)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// New constructs a Supervisor. sink may be nil, in which case failures are only logged.
func New(name string, task Task, sink Sink, log *zap.Logger) *Supervisor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Supervisor{name: name, task: task, sink: sink, log: log.With(zap.String("task", name))}
}

// Start spawns the task and returns immediately. It fails with errs.ErrAlreadyRunning
// while a previous run has not finished.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done != nil {
		select {
		case <-s.done:
		default:
			return errs.ErrAlreadyRunning
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.err = nil

	s.log.Info("starting")
	go s.run(runCtx, done)
	return nil
}

// Stop cancels the task and blocks until it has returned. It returns the task's
// failure, if any; a cancelled task yields nil. Stop without Start is a no-op.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if done == nil {
		return nil
	}
	cancel()
	<-done

	s.mu.Lock()
	defer s.mu.Unlock()
	s.log.Info("stopped")
	return s.err
}

// Done is closed when the current run ends. It is nil before the first Start.
func (s *Supervisor) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Err returns the failure of the last finished run.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Running reports whether a run is in progress.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *Supervisor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	err := s.guard(ctx)
	if err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil {
		err = nil
	}
	if err != nil {
		s.escalate(err)
	}

	s.mu.Lock()
	s.err = err
	onExit := s.OnExit
	s.mu.Unlock()

	if onExit != nil {
		onExit(err)
	}
}

// guard converts a panic into a *PanicError.
func (s *Supervisor) guard(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return s.task(ctx)
}

func (s *Supervisor) escalate(err error) {
	report := model.FailureReport{
		Task:  s.name,
		Err:   err.Error(),
		Trace: trace(err),
		At:    time.Now(),
	}
	s.log.Error("task failed", zap.Error(err))
	if s.sink == nil {
		return
	}
	// the run context is already gone; reporting gets its own budget
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if rerr := s.sink.Report(ctx, report); rerr != nil {
		s.log.Error("escalation failed", zap.Error(rerr))
	}
}

// trace renders the most detailed stack available for err.
func trace(err error) string {
	var pe *PanicError
	if errors.As(err, &pe) {
		return string(pe.Stack)
	}
	// errors created by github.com/pkg/errors print their stack with %+v
	return fmt.Sprintf("%+v", err)
}
