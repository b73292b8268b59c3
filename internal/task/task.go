// Package task provides a supervised background task with cancellation and
// a bounded, deterministic join.
package task

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrJoinTimeout is returned when a task does not finish within the join budget.
var ErrJoinTimeout = errors.New("task: join timed out")

// Func is the body of a task. It must return once ctx is done.
type Func func(ctx context.Context) error

// Task is a single background goroutine owned by whoever started it.
type Task struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Go starts fn in its own goroutine. The task context is derived from ctx.
func Go(ctx context.Context, fn Func) *Task {
	ctx, cancel := context.WithCancel(ctx)
	t := &Task{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(t.done)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				t.err = fmt.Errorf("task panicked: %v", r)
			}
		}()
		t.err = fn(ctx)
	}()

	return t
}

// Cancel signals the task to stop. It does not wait.
func (t *Task) Cancel() {
	if t == nil {
		return
	}
	t.cancel()
}

// Done is closed once the task body has returned.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task finishes or timeout elapses.
// A non-positive timeout waits forever.
func (t *Task) Wait(timeout time.Duration) error {
	if t == nil {
		return nil
	}
	if timeout <= 0 {
		<-t.done
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-t.done:
		return nil
	case <-timer.C:
		return ErrJoinTimeout
	}
}

// Stop cancels the task and waits for it.
func (t *Task) Stop(timeout time.Duration) error {
	t.Cancel()
	return t.Wait(timeout)
}

// Err returns the error the task body returned. Only meaningful after Done.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Running reports whether the task body has not yet returned.
func (t *Task) Running() bool {
	if t == nil {
		return false
	}
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// Sleep waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
