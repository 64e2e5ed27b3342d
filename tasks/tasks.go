package tasks

import (
	"errors"
	"regexp"
	"time"

	taskerrors "github.com/vinayprograms/taskdispatch/errors"
	"github.com/vinayprograms/taskdispatch/intent"
)

// Common errors.
var (
	// ErrTaskNotFound indicates the requested task does not exist.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskAlreadyClaimed indicates another worker holds the task's lease.
	ErrTaskAlreadyClaimed = errors.New("task already claimed")

	// ErrTaskTerminal indicates the task is completed or failed and immutable.
	ErrTaskTerminal = errors.New("task is terminal")

	// ErrTaskNotTerminal indicates the operation needs a finished task.
	ErrTaskNotTerminal = errors.New("task is not terminal")

	// ErrLeaseLost indicates the caller's lease expired or was taken over.
	ErrLeaseLost = errors.New("lease lost")

	// ErrInvalidTask indicates the task is invalid (bad id).
	ErrInvalidTask = errors.New("invalid task")

	// ErrInvalidWorkerID indicates the worker ID is invalid.
	ErrInvalidWorkerID = errors.New("invalid worker ID")

	// ErrInvalidTransition indicates a status change the state machine forbids.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrIntentAlreadySet indicates an attempt to re-classify a task.
	ErrIntentAlreadySet = errors.New("intent already set")

	// ErrStoreClosed indicates the manager has been closed.
	ErrStoreClosed = errors.New("store closed")
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// StatusPending indicates the task is waiting to be claimed.
	StatusPending TaskStatus = "pending"

	// StatusClassifying indicates the intent is being chosen.
	StatusClassifying TaskStatus = "classifying"

	// StatusExecuting indicates an activity attempt is in flight.
	StatusExecuting TaskStatus = "executing"

	// StatusRetrying indicates the task is waiting out a backoff.
	StatusRetrying TaskStatus = "retrying"

	// StatusCompleted indicates the task has been successfully completed.
	StatusCompleted TaskStatus = "completed"

	// StatusFailed indicates the task has permanently failed.
	StatusFailed TaskStatus = "failed"
)

// String returns the string representation of the status.
func (s TaskStatus) String() string {
	return string(s)
}

// IsTerminal returns true if the status is a terminal state.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var transitions = map[TaskStatus][]TaskStatus{
	StatusPending:     {StatusClassifying, StatusFailed},
	StatusClassifying: {StatusExecuting, StatusFailed},
	StatusExecuting:   {StatusRetrying, StatusCompleted, StatusFailed},
	StatusRetrying:    {StatusExecuting, StatusFailed},
}

// CanTransition reports whether the state machine allows s → next.
// Staying in the same non-terminal status is always allowed.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	if s == next {
		return !s.IsTerminal()
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Outcome is the result class of one execution attempt.
type Outcome string

const (
	// OutcomeRunning marks an attempt that started and has not finished.
	OutcomeRunning   Outcome = ""
	OutcomeSuccess   Outcome = "success"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeError     Outcome = "error"
	OutcomeAbandoned Outcome = "abandoned"
)

// ExecutionRecord is one entry of a task's append-only attempt log.
type ExecutionRecord struct {
	Attempt     int                  `json:"attempt"`
	Intent      intent.Intent        `json:"intent"`
	WorkerID    string               `json:"worker_id"`
	StartedAt   time.Time            `json:"started_at"`
	FinishedAt  *time.Time           `json:"finished_at,omitempty"`
	Outcome     Outcome              `json:"outcome"`
	ErrorCode   taskerrors.ErrorCode `json:"error_code,omitempty"`
	ErrorDetail string               `json:"error_detail,omitempty"`
}

// Finished reports whether the attempt has a recorded outcome.
func (r ExecutionRecord) Finished() bool {
	return r.Outcome != OutcomeRunning
}

// Duration returns FinishedAt - StartedAt, or zero while running.
func (r ExecutionRecord) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Task represents one submitted request and its durable progress.
type Task struct {
	// ID is the unique identifier and the idempotency key of the task.
	// Generated automatically on submission if empty.
	ID string `json:"id"`

	// RawText is the request as submitted. Never changes.
	RawText string `json:"raw_text"`

	// Intent is set once by classification.
	Intent intent.Intent     `json:"intent,omitempty"`
	Params map[string]string `json:"params,omitempty"`

	// Status is the current state of the task.
	Status TaskStatus `json:"status"`

	// AttemptCount is the number of activity attempts started so far.
	AttemptCount int `json:"attempt_count"`

	// Records is the append-only attempt log, one entry per started attempt.
	Records []ExecutionRecord `json:"records,omitempty"`

	// Result is set on completion. Error is set on failure. Never both.
	Result string            `json:"result,omitempty"`
	Error  *taskerrors.Error `json:"error,omitempty"`

	CancelRequested bool `json:"cancel_requested,omitempty"`

	// ClaimedBy is the worker that last took the lease; LeaseToken is the
	// token of that lease and fences writes from earlier holders.
	ClaimedBy  string     `json:"claimed_by,omitempty"`
	LeaseToken string     `json:"lease_token,omitempty"`
	ClaimedAt  *time.Time `json:"claimed_at,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// LastRecord returns the most recent execution record, if any.
func (t *Task) LastRecord() (ExecutionRecord, bool) {
	if len(t.Records) == 0 {
		return ExecutionRecord{}, false
	}
	return t.Records[len(t.Records)-1], true
}

// Clone creates a deep copy of the task.
func (t *Task) Clone() *Task {
	clone := *t

	if t.Params != nil {
		clone.Params = make(map[string]string, len(t.Params))
		for k, v := range t.Params {
			clone.Params[k] = v
		}
	}

	if t.Records != nil {
		clone.Records = make([]ExecutionRecord, len(t.Records))
		copy(clone.Records, t.Records)
		for i, r := range t.Records {
			if r.FinishedAt != nil {
				f := *r.FinishedAt
				clone.Records[i].FinishedAt = &f
			}
		}
	}

	if t.ClaimedAt != nil {
		claimed := *t.ClaimedAt
		clone.ClaimedAt = &claimed
	}

	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		clone.CompletedAt = &completed
	}

	// Errors are never mutated after construction; sharing is fine.
	return &clone
}

var validID = regexp.MustCompile(`^[A-Za-z0-9_=-]{1,256}$`)

// ValidateID checks that id can be used as a store key segment.
func ValidateID(id string) error {
	if !validID.MatchString(id) {
		return ErrInvalidTask
	}
	return nil
}
