package tasks

import (
	"errors"

	"github.com/vinayprograms/taskdispatch/state"
)

// Lease is a worker's exclusive right to advance one task.
type Lease struct {
	mgr      *Manager
	lock     state.Lock
	taskID   string
	workerID string
	token    string
	task     *Task
}

// TaskID returns the leased task's id.
func (l *Lease) TaskID() string { return l.taskID }

// WorkerID returns the holder's worker id.
func (l *Lease) WorkerID() string { return l.workerID }

// Token returns the fencing token stamped on the task.
func (l *Lease) Token() string { return l.token }

// Task returns a copy of the task as of the last write through this lease.
func (l *Lease) Task() *Task { return l.task.Clone() }

// Refresh extends the lease. ErrLeaseLost means another worker may now
// hold the task and the caller must stop.
func (l *Lease) Refresh() error {
	err := l.lock.Refresh()
	if errors.Is(err, state.ErrLockExpired) || errors.Is(err, state.ErrLockNotHeld) {
		return ErrLeaseLost
	}
	return err
}

// Release gives up the lease. Releasing twice is harmless.
func (l *Lease) Release() error {
	err := l.lock.Unlock()
	if errors.Is(err, state.ErrLockNotHeld) {
		return nil
	}
	return err
}
