package orchestrator

import (
	"context"
	"fmt"
	"time"

	taskerrors "github.com/vinayprograms/taskdispatch/errors"
	"github.com/vinayprograms/taskdispatch/retry"
	"github.com/vinayprograms/taskdispatch/tasks"
	"github.com/vinayprograms/taskdispatch/telemetry"
)

// drive holds the state of one Drive call.
type drive struct {
	o     *Orchestrator
	lease *tasks.Lease
}

// write persists fn's change through the lease.
func (d *drive) write(ctx context.Context, fn func(t *tasks.Task) error) (*tasks.Task, error) {
	return d.o.tasks.Mutate(ctx, d.lease, fn)
}

func (d *drive) cancelError(t *tasks.Task) *taskerrors.Error {
	return taskerrors.Canceled("task canceled by request", taskerrors.WithTaskID(t.ID))
}

// applyCancel fails t when a cancel was requested. It reports whether it did.
func (d *drive) applyCancel(t *tasks.Task) bool {
	if !t.CancelRequested {
		return false
	}
	t.Status = tasks.StatusFailed
	t.Error = d.cancelError(t)
	t.Result = ""
	return true
}

// settled ends a drive that stopped before the retry loop.
func (d *drive) settled(ctx context.Context, started time.Time, t *tasks.Task, err error) (*tasks.Task, error) {
	if err != nil {
		return d.lease.Task(), err
	}
	d.o.announce(ctx, t, started)
	return t, nil
}

// finish fails the task with cause unless a checkpoint already made it
// terminal.
func (d *drive) finish(ctx context.Context, started time.Time, cause error) (*tasks.Task, error) {
	if cause == nil {
		cause = taskerrors.Internal("run ended without an outcome")
	}
	t, err := d.write(ctx, func(t *tasks.Task) error {
		t.Status = tasks.StatusFailed
		t.Error = asTaskError(cause)
		return nil
	})
	if err != nil {
		return d.lease.Task(), err
	}
	d.o.announce(ctx, t, started)
	return t, nil
}

// reconcile closes an attempt left running by a previous holder. The
// attempt counts as a TIMEOUT failure.
func (d *drive) reconcile(ctx context.Context, t *tasks.Task) (*tasks.Task, error) {
	last, ok := t.LastRecord()
	if !ok || last.Finished() {
		return t, nil
	}

	policy := d.o.policies.For(t.Intent)
	detail := fmt.Sprintf("attempt %d by %s ended without an outcome", last.Attempt, last.WorkerID)
	abandoned := taskerrors.Timeout(detail, taskerrors.WithTaskID(t.ID))
	now := d.o.now()

	t, err := d.write(ctx, func(t *tasks.Task) error {
		rec := &t.Records[len(t.Records)-1]
		rec.FinishedAt = &now
		rec.Outcome = tasks.OutcomeAbandoned
		rec.ErrorCode = taskerrors.ErrCodeTimeout
		rec.ErrorDetail = detail

		if d.applyCancel(t) {
			return nil
		}
		switch {
		case !policy.Retryable(abandoned):
			t.Status = tasks.StatusFailed
			t.Error = abandoned
		case t.AttemptCount >= policy.MaxAttempts:
			t.Status = tasks.StatusFailed
			t.Error = taskerrors.RetriesExhausted(t.AttemptCount, abandoned, taskerrors.WithTaskID(t.ID))
		default:
			t.Status = tasks.StatusRetrying
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	d.o.logger.WithTask(t.ID).Warn("attempt_abandoned", map[string]interface{}{
		"attempt":     last.Attempt,
		"prev_worker": last.WorkerID,
	})
	return t, nil
}

// classify records the intent once. Tasks that already carry an intent
// are returned untouched.
func (d *drive) classify(ctx context.Context, t *tasks.Task) (*tasks.Task, error) {
	if t.Intent.Valid() {
		return t, nil
	}

	var err error
	if t.Status == tasks.StatusPending {
		t, err = d.write(ctx, func(t *tasks.Task) error {
			if !d.applyCancel(t) {
				t.Status = tasks.StatusClassifying
			}
			return nil
		})
		if err != nil || t.Status.IsTerminal() {
			return t, err
		}
	}

	c := d.o.classifier.Classify(t.RawText)
	t, err = d.write(ctx, func(t *tasks.Task) error {
		if d.applyCancel(t) {
			return nil
		}
		t.Intent = c.Intent
		t.Params = c.Params
		t.Status = tasks.StatusExecuting
		return nil
	})
	if err != nil {
		return t, err
	}
	if !t.Status.IsTerminal() {
		var note taskerrors.ErrorCode
		if c.Ambiguous() {
			note = taskerrors.ErrCodeAmbiguous
		}
		d.o.logger.TaskClassified(t.ID, string(c.Intent), string(note))
	}
	return t, nil
}

// call runs one activity attempt inside its own span.
func (d *drive) call(t *tasks.Task, policy retry.Policy) retry.Call {
	return func(ctx context.Context, n int) (string, error) {
		ctx, span := d.o.tracer.StartAttemptSpan(ctx, string(t.Intent), n)
		value, err := d.o.executor.Execute(ctx, t.Intent, t.Params, policy.PerAttemptTimeout)
		d.o.tracer.EndAttemptSpan(span, telemetry.AttemptSpanOptions{
			Outcome:   string(outcomeOf(err)),
			ErrorCode: string(taskerrors.Code(err)),
			Result:    value,
		}, err)
		return value, err
	}
}

// observer checkpoints the start and end of every attempt.
func (d *drive) observer(t *tasks.Task, policy retry.Policy) retry.Observer {
	taskID, in, workerID := t.ID, t.Intent, d.lease.WorkerID()
	log := d.o.logger

	return retry.Observer{
		BeforeAttempt: func(ctx context.Context, n int) error {
			now := d.o.now()
			var canceled bool
			cur, err := d.write(ctx, func(t *tasks.Task) error {
				if canceled = d.applyCancel(t); canceled {
					return nil
				}
				t.AttemptCount = n
				t.Status = tasks.StatusExecuting
				t.Records = append(t.Records, tasks.ExecutionRecord{
					Attempt:   n,
					Intent:    in,
					WorkerID:  workerID,
					StartedAt: now,
				})
				return nil
			})
			if err != nil {
				return err
			}
			if canceled {
				return cur.Error
			}
			log.AttemptStart(taskID, n, string(in))
			return nil
		},

		AfterAttempt: func(ctx context.Context, a retry.Attempt) error {
			now := d.o.now()
			outcome := outcomeOf(a.Err)
			var canceled bool
			cur, err := d.write(ctx, func(t *tasks.Task) error {
				idx := len(t.Records) - 1
				if idx < 0 || t.Records[idx].Attempt != a.N || t.Records[idx].Finished() {
					return fmt.Errorf("%w: no running record for attempt %d", tasks.ErrInvalidTransition, a.N)
				}
				rec := &t.Records[idx]
				rec.FinishedAt = &now
				rec.Outcome = outcome
				if a.Err != nil {
					rec.ErrorCode = taskerrors.Code(a.Err)
					rec.ErrorDetail = a.Err.Error()
				}

				if canceled = d.applyCancel(t); canceled {
					return nil
				}
				switch {
				case a.Err == nil:
					t.Status = tasks.StatusCompleted
					t.Result = a.Value
				case a.Retrying:
					t.Status = tasks.StatusRetrying
				default:
					t.Status = tasks.StatusFailed
					t.Error = terminalError(a.Err, policy, a.N, taskID)
				}
				return nil
			})
			if err != nil {
				return err
			}

			rec, _ := cur.LastRecord()
			log.AttemptResult(taskID, a.N, rec.Duration(), a.Err)
			event := map[string]interface{}{
				"task_id": taskID,
				"attempt": a.N,
				"outcome": string(outcome),
			}
			if a.Err != nil {
				event["error_code"] = string(taskerrors.Code(a.Err))
			}
			d.o.events.LogEvent(telemetry.EventAttempt, event)

			if canceled {
				return cur.Error
			}
			if cur.Status == tasks.StatusRetrying {
				log.Backoff(taskID, a.N+1, a.Delay)
			}
			return nil
		},
	}
}

// terminalError is the error a task fails with after attempt n.
func terminalError(err error, policy retry.Policy, n int, taskID string) *taskerrors.Error {
	if policy.Retryable(err) {
		return taskerrors.RetriesExhausted(n, err, taskerrors.WithTaskID(taskID))
	}
	return asTaskError(err)
}

func asTaskError(err error) *taskerrors.Error {
	if te := taskerrors.AsTaskError(err); te != nil {
		return te
	}
	return taskerrors.Wrap(err, "activity failed")
}

func outcomeOf(err error) tasks.Outcome {
	switch {
	case err == nil:
		return tasks.OutcomeSuccess
	case taskerrors.Is(err, taskerrors.ErrCodeTimeout):
		return tasks.OutcomeTimeout
	default:
		return tasks.OutcomeError
	}
}
