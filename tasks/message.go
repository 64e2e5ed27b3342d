package tasks

import (
	"encoding/json"
	"time"

	taskerrors "github.com/vinayprograms/taskdispatch/errors"
)

// Bus subjects for task notifications.
const (
	// SubjectSubmitted carries a SubmittedEvent whenever a new task is stored.
	SubjectSubmitted = "dispatch.submitted"

	// SubjectDonePrefix is followed by the task id and carries a CompletionEvent.
	SubjectDonePrefix = "dispatch.done."
)

// DoneSubject returns the completion subject for a task.
func DoneSubject(taskID string) string {
	return SubjectDonePrefix + taskID
}

// SubmittedEvent wakes idle workers when a task is created.
type SubmittedEvent struct {
	TaskID    string    `json:"task_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Marshal serializes the event to JSON.
func (e *SubmittedEvent) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalSubmittedEvent deserializes a submitted event from JSON.
func UnmarshalSubmittedEvent(data []byte) (*SubmittedEvent, error) {
	var e SubmittedEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// CompletionEvent is published once when a task reaches Completed or Failed.
type CompletionEvent struct {
	TaskID      string            `json:"task_id"`
	Status      TaskStatus        `json:"status"`
	Result      string            `json:"result,omitempty"`
	Error       *taskerrors.Error `json:"error,omitempty"`
	Attempts    int               `json:"attempts"`
	WorkerID    string            `json:"worker_id,omitempty"`
	CompletedAt time.Time         `json:"completed_at"`
}

// NewCompletionEvent builds the event for a terminal task.
func NewCompletionEvent(t *Task) *CompletionEvent {
	e := &CompletionEvent{
		TaskID:   t.ID,
		Status:   t.Status,
		Result:   t.Result,
		Error:    t.Error,
		Attempts: t.AttemptCount,
		WorkerID: t.ClaimedBy,
	}
	if t.CompletedAt != nil {
		e.CompletedAt = *t.CompletedAt
	}
	return e
}

// Marshal serializes the event to JSON.
func (e *CompletionEvent) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalCompletionEvent deserializes a completion event from JSON.
func UnmarshalCompletionEvent(data []byte) (*CompletionEvent, error) {
	var e CompletionEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
