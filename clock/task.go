package clock

import (
	"context"
	"sync/atomic"
	"time"
)

const (
	taskPending int32 = iota
	taskCommitted
	taskCancelled
)

// Task is the handle for an asynchronous countdown. Exactly one of Commit or
// Cancel can win; the loser learns it lost from the return value.
type Task struct {
	state atomic.Int32
	done  chan struct{}
}

// NewTask returns a pending task.
func NewTask() *Task {
	return &Task{done: make(chan struct{})}
}

// Cancel moves a pending task to cancelled. It returns false only when the
// task has already committed; cancelling twice is not an error.
func (t *Task) Cancel() bool {
	if t == nil {
		return true
	}
	if t.state.CompareAndSwap(taskPending, taskCancelled) {
		close(t.done)
		return true
	}
	return t.state.Load() == taskCancelled
}

// Commit marks the point of no return. It returns false if the task was
// cancelled first.
func (t *Task) Commit() bool {
	return t.state.CompareAndSwap(taskPending, taskCommitted) || t.state.Load() == taskCommitted
}

// Committed reports whether the task passed its commit point.
func (t *Task) Committed() bool { return t != nil && t.state.Load() == taskCommitted }

// Cancelled reports whether Cancel won.
func (t *Task) Cancelled() bool { return t != nil && t.state.Load() == taskCancelled }

// Done is closed when the task is cancelled.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait sleeps for d on c. It returns false if the task was cancelled or ctx
// ended before the time elapsed.
func (t *Task) Wait(ctx context.Context, c Clock, d time.Duration) bool {
	if t.Cancelled() {
		return false
	}
	tm := c.NewTimer(d)
	defer tm.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.done:
		return false
	case <-tm.C():
		return !t.Cancelled()
	}
}
