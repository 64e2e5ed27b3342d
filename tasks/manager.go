package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/taskdispatch/intent"
	"github.com/vinayprograms/taskdispatch/state"
)

const (
	// Key prefixes for state store.
	taskPrefix  = "tasks.task."
	leasePrefix = "tasks.lease."
)

// Manager stores tasks in a state store and hands out leases on them.
// Every write made under a lease is checked against the lease token inside
// the store's atomic update, so a worker whose lease was taken over can no
// longer change the task.
type Manager struct {
	store  state.StateStore
	closed atomic.Bool
	idGen  func() string
	now    func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithIDGenerator sets a custom ID generator function.
func WithIDGenerator(gen func() string) ManagerOption {
	return func(m *Manager) {
		m.idGen = gen
	}
}

// WithClock sets the time source used for timestamps.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a new task manager backed by the given state store.
func NewManager(store state.StateStore, opts ...ManagerOption) *Manager {
	m := &Manager{
		store: store,
		idGen: uuid.NewString,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Submit creates a Pending task for rawText. If a task with the same id
// already exists it is returned unchanged and created is false.
func (m *Manager) Submit(ctx context.Context, rawText, id string) (task *Task, created bool, err error) {
	if m.closed.Load() {
		return nil, false, ErrStoreClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	if id == "" {
		id = m.idGen()
	}
	if err := ValidateID(id); err != nil {
		return nil, false, fmt.Errorf("%w: id %q", err, id)
	}

	now := m.now()
	t := &Task{
		ID:        id,
		RawText:   rawText,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	data, err := json.Marshal(t)
	if err != nil {
		return nil, false, err
	}

	err = m.store.Create(taskPrefix+id, data)
	if errors.Is(err, state.ErrKeyExists) {
		existing, err := m.loadTask(id)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("create task: %w", err)
	}
	return t.Clone(), true, nil
}

// Get retrieves a task by ID.
func (m *Manager) Get(ctx context.Context, taskID string) (*Task, error) {
	if m.closed.Load() {
		return nil, ErrStoreClosed
	}
	return m.loadTask(taskID)
}

// Records returns a copy of the task's execution log.
func (m *Manager) Records(ctx context.Context, taskID string) ([]ExecutionRecord, error) {
	t, err := m.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return t.Clone().Records, nil
}

// List returns tasks in any of the given statuses, oldest first.
// With no statuses it returns every task.
func (m *Manager) List(ctx context.Context, statuses ...TaskStatus) ([]*Task, error) {
	if m.closed.Load() {
		return nil, ErrStoreClosed
	}

	keys, err := m.store.Keys(taskPrefix + "*")
	if err != nil {
		return nil, err
	}

	var tasks []*Task
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		task, err := m.loadTask(strings.TrimPrefix(key, taskPrefix))
		if err != nil {
			continue
		}
		if len(statuses) == 0 || hasStatus(statuses, task.Status) {
			tasks = append(tasks, task)
		}
	}

	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks, nil
}

// Resumable returns every non-terminal task, oldest first.
func (m *Manager) Resumable(ctx context.Context) ([]*Task, error) {
	return m.List(ctx, StatusPending, StatusClassifying, StatusExecuting, StatusRetrying)
}

func hasStatus(list []TaskStatus, s TaskStatus) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

// Claim takes the lease on a task for workerID. The lease expires after
// ttl unless refreshed.
func (m *Manager) Claim(ctx context.Context, taskID, workerID string, ttl time.Duration) (*Lease, error) {
	if m.closed.Load() {
		return nil, ErrStoreClosed
	}
	if workerID == "" {
		return nil, ErrInvalidWorkerID
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	current, err := m.loadTask(taskID)
	if err != nil {
		return nil, err
	}
	if current.Status.IsTerminal() {
		return nil, ErrTaskTerminal
	}

	lock, err := m.store.Lock(leasePrefix+taskID, ttl)
	if errors.Is(err, state.ErrLockHeld) {
		return nil, ErrTaskAlreadyClaimed
	}
	if err != nil {
		return nil, fmt.Errorf("acquire lease: %w", err)
	}

	var stamped Task
	err = m.store.Update(taskPrefix+taskID, func(cur []byte) ([]byte, error) {
		var t Task
		if err := json.Unmarshal(cur, &t); err != nil {
			return nil, err
		}
		if t.Status.IsTerminal() {
			return nil, ErrTaskTerminal
		}
		now := m.now()
		t.ClaimedBy = workerID
		t.LeaseToken = lock.Owner()
		t.ClaimedAt = &now
		t.UpdatedAt = now
		stamped = t
		return json.Marshal(&t)
	})
	if err != nil {
		lock.Unlock()
		if errors.Is(err, state.ErrNotFound) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}

	return &Lease{
		mgr:      m,
		lock:     lock,
		taskID:   taskID,
		workerID: workerID,
		token:    lock.Owner(),
		task:     stamped.Clone(),
	}, nil
}

// Mutate applies fn to the task under the lease and persists the result
// atomically. fn may run more than once if the store retries. The change
// is rejected when the lease was lost, the task is already terminal, or
// the change breaks a task invariant.
func (m *Manager) Mutate(ctx context.Context, lease *Lease, fn func(*Task) error) (*Task, error) {
	if m.closed.Load() {
		return nil, ErrStoreClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var result *Task
	err := m.store.Update(taskPrefix+lease.taskID, func(cur []byte) ([]byte, error) {
		var before Task
		if err := json.Unmarshal(cur, &before); err != nil {
			return nil, err
		}
		if before.LeaseToken != lease.token {
			return nil, ErrLeaseLost
		}
		if before.Status.IsTerminal() {
			return nil, ErrTaskTerminal
		}

		after := before.Clone()
		if err := fn(after); err != nil {
			return nil, err
		}
		if err := m.checkChange(&before, after); err != nil {
			return nil, err
		}

		now := m.now()
		after.UpdatedAt = now
		if after.Status.IsTerminal() {
			after.CompletedAt = &now
		}
		result = after
		return json.Marshal(after)
	})
	if errors.Is(err, state.ErrNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	lease.task = result.Clone()
	return result, nil
}

// checkChange enforces the invariants a single write must keep, restoring
// fields no write may touch.
func (m *Manager) checkChange(before, after *Task) error {
	after.ID = before.ID
	after.RawText = before.RawText
	after.CreatedAt = before.CreatedAt
	after.ClaimedBy = before.ClaimedBy
	after.LeaseToken = before.LeaseToken
	after.ClaimedAt = before.ClaimedAt
	after.CancelRequested = after.CancelRequested || before.CancelRequested

	if !before.Status.CanTransition(after.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, before.Status, after.Status)
	}
	if before.Intent != intent.Unclassified && after.Intent != before.Intent {
		return ErrIntentAlreadySet
	}
	if after.AttemptCount < before.AttemptCount {
		return fmt.Errorf("%w: attempt count cannot decrease", ErrInvalidTransition)
	}
	if len(after.Records) < len(before.Records) {
		return fmt.Errorf("%w: execution records are append-only", ErrInvalidTransition)
	}
	for i, r := range before.Records {
		if r.Finished() && (after.Records[i].Outcome != r.Outcome || after.Records[i].Attempt != r.Attempt) {
			return fmt.Errorf("%w: finished record %d changed", ErrInvalidTransition, r.Attempt)
		}
	}

	switch after.Status {
	case StatusCompleted:
		if after.Error != nil {
			return fmt.Errorf("%w: completed task with error", ErrInvalidTransition)
		}
	case StatusFailed:
		if after.Error == nil {
			return fmt.Errorf("%w: failed task without error", ErrInvalidTransition)
		}
		after.Result = ""
	}
	return nil
}

// RequestCancel flags a task for cancellation. The lease holder observes
// the flag at its next checkpoint. Terminal tasks are returned unchanged.
func (m *Manager) RequestCancel(ctx context.Context, taskID string) (*Task, error) {
	if m.closed.Load() {
		return nil, ErrStoreClosed
	}

	var result *Task
	err := m.store.Update(taskPrefix+taskID, func(cur []byte) ([]byte, error) {
		var t Task
		if err := json.Unmarshal(cur, &t); err != nil {
			return nil, err
		}
		if !t.Status.IsTerminal() && !t.CancelRequested {
			t.CancelRequested = true
			t.UpdatedAt = m.now()
		}
		result = &t
		return json.Marshal(&t)
	})
	if errors.Is(err, state.ErrNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Delete removes a finished task. Active tasks cannot be deleted.
func (m *Manager) Delete(ctx context.Context, taskID string) error {
	if m.closed.Load() {
		return ErrStoreClosed
	}

	task, err := m.loadTask(taskID)
	if err != nil {
		return err
	}
	if !task.Status.IsTerminal() {
		return ErrTaskNotTerminal
	}
	return m.store.Delete(taskPrefix + taskID)
}

// Close releases resources held by the manager.
func (m *Manager) Close() error {
	m.closed.Store(true)
	return nil
}

// Internal methods

func (m *Manager) loadTask(taskID string) (*Task, error) {
	if err := ValidateID(taskID); err != nil {
		return nil, ErrTaskNotFound
	}
	data, err := m.store.Get(taskPrefix + taskID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}

	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", taskID, err)
	}
	return &task, nil
}
