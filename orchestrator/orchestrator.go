// Package orchestrator drives a leased task through its state machine.
//
//	pending → classifying → executing ⇄ retrying → completed | failed
//
// Every transition is a checkpoint written through the lease, so a task
// can be resumed by any worker from the last persisted state: intents are
// never re-classified, attempt counts never reset, and an attempt that
// started but never recorded an outcome is marked abandoned before the
// sequence continues.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	taskerrors "github.com/vinayprograms/taskdispatch/errors"
	"github.com/vinayprograms/taskdispatch/intent"
	"github.com/vinayprograms/taskdispatch/logging"
	"github.com/vinayprograms/taskdispatch/retry"
	"github.com/vinayprograms/taskdispatch/tasks"
	"github.com/vinayprograms/taskdispatch/telemetry"
)

// Executor runs one activity attempt.
type Executor interface {
	Execute(ctx context.Context, in intent.Intent, params map[string]string, timeout time.Duration) (string, error)
}

// Publisher announces completion events.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Archiver stores finished tasks for later search.
type Archiver interface {
	Index(ctx context.Context, t *tasks.Task) error
}

// Config wires an Orchestrator. Tasks, Classifier and Executor are
// required; the rest are optional.
type Config struct {
	Tasks      *tasks.Manager
	Classifier *intent.Classifier
	Executor   Executor
	Policies   retry.Policies
	Governor   *retry.Governor

	Publisher Publisher
	Archiver  Archiver
	Events    telemetry.Exporter
	Tracer    *telemetry.Tracer
	Logger    *logging.Logger
	Now       func() time.Time
}

// Orchestrator advances tasks. It holds no per-task state and is safe for
// concurrent use by many workers.
type Orchestrator struct {
	tasks      *tasks.Manager
	classifier *intent.Classifier
	executor   Executor
	policies   retry.Policies
	governor   *retry.Governor
	publisher  Publisher
	archiver   Archiver
	events     telemetry.Exporter
	tracer     *telemetry.Tracer
	logger     *logging.Logger
	now        func() time.Time
}

// New creates an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Tasks == nil || cfg.Classifier == nil || cfg.Executor == nil {
		return nil, errors.New("orchestrator: tasks, classifier and executor are required")
	}
	if cfg.Policies.Default.MaxAttempts == 0 {
		cfg.Policies = retry.DefaultPolicies()
	}
	if err := cfg.Policies.Validate(); err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	if cfg.Governor == nil {
		cfg.Governor = retry.NewGovernor()
	}
	if cfg.Events == nil {
		cfg.Events = telemetry.NewNoopExporter()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Orchestrator{
		tasks:      cfg.Tasks,
		classifier: cfg.Classifier,
		executor:   cfg.Executor,
		policies:   cfg.Policies,
		governor:   cfg.Governor,
		publisher:  cfg.Publisher,
		archiver:   cfg.Archiver,
		events:     cfg.Events,
		tracer:     cfg.Tracer,
		logger:     cfg.Logger.WithComponent("orchestrator"),
		now:        cfg.Now,
	}, nil
}

// Drive advances the leased task until it is terminal or the drive is
// interrupted. An interrupted drive returns the task as last persisted and
// a non-nil error (tasks.ErrLeaseLost, a context error, or a store error);
// the task stays resumable.
//
// Drive does not refresh or release the lease.
func (o *Orchestrator) Drive(ctx context.Context, lease *tasks.Lease) (task *tasks.Task, err error) {
	t := lease.Task()
	if t.Status.IsTerminal() {
		return t, nil
	}

	started := o.now()
	resumed := t.Status != tasks.StatusPending
	o.logger.TaskClaimed(t.ID, lease.WorkerID(), resumed)

	ctx, span := o.tracer.StartTaskSpan(ctx, t.ID, lease.WorkerID())
	defer func() {
		final := lease.Task()
		o.tracer.EndTaskSpan(span, telemetry.TaskSpanOptions{
			Intent:   string(final.Intent),
			Status:   string(final.Status),
			Attempts: final.AttemptCount,
			Resumed:  resumed,
		}, err)
	}()

	d := &drive{o: o, lease: lease}

	if t, err = d.reconcile(ctx, t); err != nil || t.Status.IsTerminal() {
		return d.settled(ctx, started, t, err)
	}
	if t.CancelRequested {
		return d.finish(ctx, started, d.cancelError(t))
	}
	if t, err = d.classify(ctx, t); err != nil || t.Status.IsTerminal() {
		return d.settled(ctx, started, t, err)
	}

	policy := o.policies.For(t.Intent)
	out := o.governor.Run(ctx, policy, resumeFrom(t), d.call(t, policy), d.observer(t, policy))
	if !out.Terminal() {
		return lease.Task(), out.Interrupted
	}

	final := lease.Task()
	if final.Status.IsTerminal() {
		o.announce(ctx, final, started)
		return final, nil
	}
	return d.finish(ctx, started, out.Err)
}

// resumeFrom derives the governor's starting point from the attempt log.
func resumeFrom(t *tasks.Task) retry.Resume {
	r := retry.Resume{NextAttempt: t.AttemptCount + 1}
	if last, ok := t.LastRecord(); ok && last.Outcome != tasks.OutcomeSuccess && last.Finished() {
		if last.FinishedAt != nil {
			r.LastFailureAt = *last.FinishedAt
		}
		code := last.ErrorCode
		if code == "" {
			code = taskerrors.ErrCodeInternal
		}
		r.LastErr = taskerrors.New(code, last.ErrorDetail)
	}
	return r
}

// announce publishes, archives and logs a terminal task. Failures here
// never undo the persisted outcome; clients fall back to polling.
func (o *Orchestrator) announce(ctx context.Context, t *tasks.Task, started time.Time) {
	o.logger.TaskTerminal(t.ID, string(t.Status), t.AttemptCount, o.now().Sub(started))

	data := map[string]interface{}{
		"task_id":  t.ID,
		"status":   string(t.Status),
		"intent":   string(t.Intent),
		"attempts": t.AttemptCount,
	}
	if t.Error != nil {
		data["error_code"] = t.Error.Code().String()
	}
	o.events.LogEvent(telemetry.EventTerminal, data)

	if o.publisher != nil {
		payload, err := tasks.NewCompletionEvent(t).Marshal()
		if err == nil {
			err = o.publisher.Publish(tasks.DoneSubject(t.ID), payload)
		}
		if err != nil {
			o.logger.Warn("publish_failed", map[string]interface{}{"task_id": t.ID, "error": err.Error()})
		}
	}

	if o.archiver != nil {
		if err := o.archiver.Index(ctx, t); err != nil {
			o.logger.Warn("archive_failed", map[string]interface{}{"task_id": t.ID, "error": err.Error()})
		}
	}
}
