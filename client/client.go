// Package client submits tasks and waits for their outcome.
//
// The client never executes anything. Submit stores a Pending task and
// nudges idle workers over the bus; Await watches the task's completion
// subject and falls back to polling the store, so a lost notification
// only delays the caller.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vinayprograms/taskdispatch/bus"
	taskerrors "github.com/vinayprograms/taskdispatch/errors"
	"github.com/vinayprograms/taskdispatch/logging"
	"github.com/vinayprograms/taskdispatch/tasks"
)

// DefaultPollInterval is how often Await re-reads the store.
const DefaultPollInterval = 500 * time.Millisecond

// cancelLeaseTTL bounds how long Cancel holds a pending task.
const cancelLeaseTTL = 10 * time.Second

// Config configures a Client. Tasks is required.
type Config struct {
	Tasks *tasks.Manager

	// Bus, when set, carries submission and completion events.
	Bus bus.MessageBus

	// WorkerID stamps the lease Cancel takes on pending tasks.
	// Default: "client".
	WorkerID string

	PollInterval time.Duration
	Logger       *logging.Logger
}

// Handle identifies a submitted task.
type Handle struct {
	TaskID string

	// Created is false when the id already existed and nothing new was
	// stored.
	Created bool

	// Status is the task status at submission time.
	Status tasks.TaskStatus
}

// Client is the submitting side of the dispatcher.
type Client struct {
	tasks    *tasks.Manager
	bus      bus.MessageBus
	workerID string
	poll     time.Duration
	logger   *logging.Logger
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if cfg.Tasks == nil {
		return nil, errors.New("client: tasks is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "client"
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New()
	}
	return &Client{
		tasks:    cfg.Tasks,
		bus:      cfg.Bus,
		workerID: cfg.WorkerID,
		poll:     cfg.PollInterval,
		logger:   cfg.Logger.WithComponent("client"),
	}, nil
}

// Submit stores a task for rawText under taskID, generating an id when
// taskID is empty. Resubmitting an existing id returns a handle to the
// stored task without creating or re-running anything.
func (c *Client) Submit(ctx context.Context, rawText, taskID string) (*Handle, error) {
	t, created, err := c.tasks.Submit(ctx, rawText, taskID)
	if err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}

	log := c.logger.WithTask(t.ID)
	if !created {
		log.Info("task_resubmitted", map[string]interface{}{"status": string(t.Status)})
		return &Handle{TaskID: t.ID, Status: t.Status}, nil
	}

	log.Info("task_submitted", map[string]interface{}{"text_len": len(rawText)})
	c.notify(t)
	return &Handle{TaskID: t.ID, Created: true, Status: t.Status}, nil
}

// notify wakes workers. The task is already durable, so a failed publish
// is only logged; polling workers pick it up on their next scan.
func (c *Client) notify(t *tasks.Task) {
	if c.bus == nil {
		return
	}
	ev := &tasks.SubmittedEvent{TaskID: t.ID, CreatedAt: t.CreatedAt}
	data, err := ev.Marshal()
	if err == nil {
		err = c.bus.Publish(tasks.SubjectSubmitted, data)
	}
	if err != nil {
		c.logger.WithTask(t.ID).Warn("notify_failed", map[string]interface{}{"error": err.Error()})
	}
}

// Await blocks until the task is terminal and returns its result. A failed
// task returns its stored *errors.Error. When timeout elapses first Await
// returns a TIMEOUT error; a zero timeout waits for ctx alone.
func (c *Client) Await(ctx context.Context, taskID string, timeout time.Duration) (string, error) {
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// Subscribe before the first read so a completion between the two
	// cannot be missed.
	var events <-chan *bus.Message
	if c.bus != nil {
		sub, err := c.bus.Subscribe(tasks.DoneSubject(taskID))
		if err != nil {
			c.logger.WithTask(taskID).Warn("subscribe_failed", map[string]interface{}{"error": err.Error()})
		} else {
			defer sub.Unsubscribe()
			events = sub.Messages()
		}
	}

	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		t, err := c.tasks.Get(waitCtx, taskID)
		if err != nil {
			return "", err
		}
		if t.Status.IsTerminal() {
			return outcome(t.Status, t.Result, t.Error)
		}

		select {
		case <-waitCtx.Done():
			if err := ctx.Err(); err != nil {
				return "", err
			}
			return "", taskerrors.Timeout(
				fmt.Sprintf("task still %s after %s", t.Status, timeout),
				taskerrors.WithTaskID(taskID),
			)
		case msg, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			ev, err := tasks.UnmarshalCompletionEvent(msg.Data)
			if err != nil || ev.TaskID != taskID || !ev.Status.IsTerminal() {
				continue
			}
			return outcome(ev.Status, ev.Result, ev.Error)
		case <-ticker.C:
		}
	}
}

func outcome(status tasks.TaskStatus, result string, taskErr *taskerrors.Error) (string, error) {
	if status == tasks.StatusFailed {
		if taskErr == nil {
			return "", taskerrors.Internal("task failed without an error")
		}
		return "", taskErr
	}
	return result, nil
}

// Status returns the task as currently stored.
func (c *Client) Status(ctx context.Context, taskID string) (*tasks.Task, error) {
	return c.tasks.Get(ctx, taskID)
}

// Records returns the task's execution log.
func (c *Client) Records(ctx context.Context, taskID string) ([]tasks.ExecutionRecord, error) {
	return c.tasks.Records(ctx, taskID)
}

// Cancel requests cancellation. A task being driven fails with CANCELED at
// its worker's next checkpoint. A task no worker has claimed yet is failed
// here directly. Terminal tasks are returned unchanged.
func (c *Client) Cancel(ctx context.Context, taskID string) (*tasks.Task, error) {
	t, err := c.tasks.RequestCancel(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != tasks.StatusPending {
		return t, nil
	}

	lease, err := c.tasks.Claim(ctx, taskID, c.workerID, cancelLeaseTTL)
	if err != nil {
		// A worker got there first and will observe the flag.
		if errors.Is(err, tasks.ErrTaskAlreadyClaimed) || errors.Is(err, tasks.ErrTaskTerminal) {
			return c.tasks.Get(ctx, taskID)
		}
		return nil, err
	}
	defer lease.Release()

	if lease.Task().Status != tasks.StatusPending {
		return lease.Task(), nil
	}

	final, err := c.tasks.Mutate(ctx, lease, func(t *tasks.Task) error {
		t.Status = tasks.StatusFailed
		t.Error = taskerrors.Canceled("task canceled before execution", taskerrors.WithTaskID(t.ID))
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.TaskTerminal(final.ID, string(final.Status), final.AttemptCount, 0)
	c.announce(final)
	return final, nil
}

func (c *Client) announce(t *tasks.Task) {
	if c.bus == nil {
		return
	}
	data, err := tasks.NewCompletionEvent(t).Marshal()
	if err == nil {
		err = c.bus.Publish(tasks.DoneSubject(t.ID), data)
	}
	if err != nil {
		c.logger.WithTask(t.ID).Warn("announce_failed", map[string]interface{}{"error": err.Error()})
	}
}
