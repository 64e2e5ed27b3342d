package retry

import (
	"context"
	"time"

	taskerrors "github.com/vinayprograms/taskdispatch/errors"
)

// Call performs attempt n (1-based).
type Call func(ctx context.Context, n int) (string, error)

// Resume describes an attempt sequence already partly run.
type Resume struct {
	// NextAttempt is the number of the next attempt; 0 and 1 both mean
	// start from scratch.
	NextAttempt int
	// LastFailureAt is when the previous attempt failed. The governor
	// waits only what remains of that attempt's backoff.
	LastFailureAt time.Time
	// LastErr is the previous attempt's failure, wrapped into
	// RETRIES_EXHAUSTED when no attempts remain.
	LastErr error
}

// Attempt reports a finished attempt to the Observer.
type Attempt struct {
	N        int
	Value    string
	Err      error
	Retrying bool          // another attempt follows
	Delay    time.Duration // wait before that attempt
}

// Observer receives checkpoints. A hook error stops the governor: a
// CANCELED error becomes the terminal outcome, anything else interrupts
// the run without one.
type Observer struct {
	BeforeAttempt func(ctx context.Context, n int) error
	AfterAttempt  func(ctx context.Context, a Attempt) error
}

// Outcome is the result of a governed run.
type Outcome struct {
	Value    string
	Err      error // terminal failure, nil on success
	Attempts int   // number of the last attempt started

	// Interrupted is set when the run stopped without a terminal
	// outcome: the context ended or an observer hook failed.
	Interrupted error
}

// Terminal reports whether the outcome is final.
func (o Outcome) Terminal() bool { return o.Interrupted == nil }

// Succeeded reports a terminal success.
func (o Outcome) Succeeded() bool { return o.Terminal() && o.Err == nil }

// Governor runs calls under a Policy.
type Governor struct {
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures a Governor.
type Option func(*Governor)

// WithClock sets the time source used to compute remaining backoff.
func WithClock(now func() time.Time) Option {
	return func(g *Governor) { g.now = now }
}

// WithSleep replaces the backoff wait.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(g *Governor) { g.sleep = sleep }
}

// NewGovernor creates a Governor.
func NewGovernor(opts ...Option) *Governor {
	g := &Governor{now: time.Now, sleep: sleepContext}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives call until it succeeds, fails permanently or exhausts the
// policy. Attempts are strictly sequential.
func (g *Governor) Run(ctx context.Context, policy Policy, resume Resume, call Call, obs Observer) Outcome {
	n := resume.NextAttempt
	if n < 1 {
		n = 1
	}

	if n > policy.MaxAttempts {
		last := resume.LastErr
		if last == nil {
			last = taskerrors.Internal("attempt history lost")
		}
		return Outcome{Attempts: n - 1, Err: taskerrors.RetriesExhausted(n-1, last)}
	}

	if n > 1 && !resume.LastFailureAt.IsZero() {
		full := policy.Interval(n - 1)
		remaining := min(full-g.now().Sub(resume.LastFailureAt), full)
		if err := g.sleep(ctx, remaining); err != nil {
			return Outcome{Attempts: n - 1, Interrupted: err}
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return Outcome{Attempts: n - 1, Interrupted: err}
		}
		if obs.BeforeAttempt != nil {
			if err := obs.BeforeAttempt(ctx, n); err != nil {
				return stopped(n-1, err)
			}
		}

		value, err := call(ctx, n)
		if err == nil {
			if obs.AfterAttempt != nil {
				if herr := obs.AfterAttempt(ctx, Attempt{N: n, Value: value}); herr != nil {
					return stopped(n, herr)
				}
			}
			return Outcome{Value: value, Attempts: n}
		}

		// The caller went away mid-attempt; the attempt has no outcome.
		if ctx.Err() != nil {
			return Outcome{Attempts: n, Interrupted: ctx.Err()}
		}

		retryable := policy.Retryable(err)
		a := Attempt{N: n, Err: err}
		if retryable && n < policy.MaxAttempts {
			a.Retrying = true
			a.Delay = policy.Interval(n)
		}
		if obs.AfterAttempt != nil {
			if herr := obs.AfterAttempt(ctx, a); herr != nil {
				return stopped(n, herr)
			}
		}

		if !retryable {
			return Outcome{Attempts: n, Err: err}
		}
		if !a.Retrying {
			return Outcome{Attempts: n, Err: taskerrors.RetriesExhausted(n, err)}
		}

		if err := g.sleep(ctx, a.Delay); err != nil {
			return Outcome{Attempts: n, Interrupted: err}
		}
		n++
	}
}

func stopped(attempts int, err error) Outcome {
	if taskerrors.Is(err, taskerrors.ErrCodeCanceled) {
		return Outcome{Attempts: attempts, Err: err}
	}
	return Outcome{Attempts: attempts, Interrupted: err}
}
