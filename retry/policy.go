// Package retry applies bounded exponential backoff to activity attempts.
//
// A Policy describes how many attempts an intent gets, how long each may
// run and how long to wait between them. The Governor drives a Call under
// a Policy, reporting every attempt to an Observer so callers can persist
// checkpoints, and can pick up a partially run sequence from a Resume.
package retry

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	taskerrors "github.com/vinayprograms/taskdispatch/errors"
	"github.com/vinayprograms/taskdispatch/intent"
)

// Policy configures retries for one intent.
type Policy struct {
	MaxAttempts       int           `toml:"max_attempts" yaml:"max_attempts"`
	InitialInterval   time.Duration `toml:"initial_interval" yaml:"initial_interval"`
	MaxInterval       time.Duration `toml:"max_interval" yaml:"max_interval"`
	BackoffMultiplier float64       `toml:"backoff_multiplier" yaml:"backoff_multiplier"`
	PerAttemptTimeout time.Duration `toml:"timeout" yaml:"timeout"`

	// NonRetryable lists codes that abort immediately even when their
	// default is to retry.
	NonRetryable []taskerrors.ErrorCode `toml:"non_retryable" yaml:"non_retryable"`
}

// DefaultPolicy returns three attempts backing off 1s, 2s, ... up to 10s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       3,
		InitialInterval:   time.Second,
		MaxInterval:       10 * time.Second,
		BackoffMultiplier: 2.0,
		PerAttemptTimeout: 30 * time.Second,
	}
}

// Validate checks the policy for usable values.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.InitialInterval < 0 || p.MaxInterval < 0 {
		return fmt.Errorf("intervals must not be negative")
	}
	if p.MaxInterval > 0 && p.InitialInterval > p.MaxInterval {
		return fmt.Errorf("initial_interval %s exceeds max_interval %s", p.InitialInterval, p.MaxInterval)
	}
	if p.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff_multiplier must be at least 1, got %g", p.BackoffMultiplier)
	}
	if p.PerAttemptTimeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	return nil
}

// Interval returns the wait after failed attempt n (1-based):
// min(initial * multiplier^(n-1), max).
func (p Policy) Interval(n int) time.Duration {
	if n < 1 || p.InitialInterval <= 0 {
		return 0
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.Multiplier = p.BackoffMultiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.MaxInterval = p.MaxInterval
	if b.MaxInterval <= 0 {
		b.MaxInterval = time.Duration(1<<63 - 1)
	}
	b.Reset()

	var d time.Duration
	for i := 0; i < n; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Retryable reports whether err should be retried under this policy.
func (p Policy) Retryable(err error) bool {
	code := taskerrors.Code(err)
	for _, c := range p.NonRetryable {
		if c == code {
			return false
		}
	}
	return taskerrors.IsRetryable(err)
}

// Policies maps intents to their retry policy.
type Policies struct {
	Default   Policy                   `toml:"default" yaml:"default"`
	PerIntent map[intent.Intent]Policy `toml:"intent" yaml:"intent"`
}

// DefaultPolicies returns the stock per-intent policies: 30s for file
// reads and listings, 10s for the clock, 2m for generation. File intents
// do not retry IO_ERROR; a broken disk rarely heals between attempts.
func DefaultPolicies() Policies {
	with := func(timeout time.Duration, nonRetryable ...taskerrors.ErrorCode) Policy {
		p := DefaultPolicy()
		p.PerAttemptTimeout = timeout
		p.NonRetryable = nonRetryable
		return p
	}
	return Policies{
		Default: DefaultPolicy(),
		PerIntent: map[intent.Intent]Policy{
			intent.ReadFile:  with(30*time.Second, taskerrors.ErrCodeIO),
			intent.ListFiles: with(30*time.Second, taskerrors.ErrCodeIO),
			intent.GetTime:   with(10 * time.Second),
			intent.Chat:      with(2 * time.Minute),
		},
	}
}

// For returns the policy for in, falling back to Default.
func (ps Policies) For(in intent.Intent) Policy {
	if p, ok := ps.PerIntent[in]; ok {
		return p
	}
	return ps.Default
}

// Validate checks every policy.
func (ps Policies) Validate() error {
	if err := ps.Default.Validate(); err != nil {
		return fmt.Errorf("default policy: %w", err)
	}
	for in, p := range ps.PerIntent {
		if !in.Valid() {
			return fmt.Errorf("policy for unknown intent %q", in)
		}
		if err := p.Validate(); err != nil {
			return fmt.Errorf("%s policy: %w", in, err)
		}
	}
	return nil
}
