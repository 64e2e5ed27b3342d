package shutdown

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	// ErrTimeout indicates a phase was reached after the deadline passed.
	ErrTimeout = errors.New("shutdown timeout exceeded")

	// ErrHandlerFailed indicates one or more handlers returned an error.
	ErrHandlerFailed = errors.New("one or more handlers failed")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Phases used by the dispatcher. Lower phases stop first.
const (
	// PhaseIntake stops taking on new work: bus subscriptions, the
	// heartbeat monitor.
	PhaseIntake = 10

	// PhaseWorkers drains the worker pool. Tasks still running when the
	// deadline hits are released for another worker to resume.
	PhaseWorkers = 20

	// PhaseFlush flushes traces and the history index.
	PhaseFlush = 30

	// PhaseStorage closes the task store.
	PhaseStorage = 40

	// PhaseTransport closes the bus and its NATS connection, which the
	// store may share.
	PhaseTransport = 50
)

// Handler is implemented by components that need graceful shutdown.
type Handler interface {
	// OnShutdown stops the component. ctx ends at the shutdown deadline;
	// work still running then should be left resumable, not lost.
	OnShutdown(ctx context.Context) error
}

// Func adapts a function to Handler.
type Func func(ctx context.Context) error

// OnShutdown implements Handler.
func (f Func) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// CloserFunc adapts a Close method to Handler.
func CloserFunc(close func() error) Handler {
	return Func(func(context.Context) error { return close() })
}

// HandlerResult is the outcome of one handler.
type HandlerResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// Result is the outcome of a complete shutdown.
type Result struct {
	TotalDuration time.Duration
	Results       []HandlerResult

	// Err is nil when every handler succeeded.
	Err error
}

// Failed reports whether any handler failed.
func (r *Result) Failed() bool {
	return r.Err != nil
}

// FailedHandlers returns the names of handlers that failed.
func (r *Result) FailedHandlers() []string {
	var failed []string
	for _, hr := range r.Results {
		if hr.Err != nil {
			failed = append(failed, hr.Name)
		}
	}
	return failed
}

// Config configures the coordinator.
type Config struct {
	// Timeout bounds a shutdown started by a signal or by
	// ShutdownWithTimeout(0). Default: 30 seconds.
	Timeout time.Duration

	// DefaultPhase is assigned by Register. Default: PhaseStorage.
	DefaultPhase int

	// ContinueOnError keeps later phases running after a handler fails.
	ContinueOnError bool

	// OnProgress is called as each handler finishes.
	OnProgress func(result HandlerResult)
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Timeout < 0 {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultConfig returns the configuration used by `dispatch worker`.
func DefaultConfig() Config {
	return Config{
		Timeout:         30 * time.Second,
		DefaultPhase:    PhaseStorage,
		ContinueOnError: true,
	}
}

type registration struct {
	name    string
	handler Handler
	phase   int
}
