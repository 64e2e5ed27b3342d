package activity

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"

	taskerrors "github.com/vinayprograms/taskdispatch/errors"
	"github.com/vinayprograms/taskdispatch/llm"
	"github.com/vinayprograms/taskdispatch/logging"
)

// BreakerConfig configures the circuit breaker guarding the generation
// backend. Zero values take the defaults below.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive transient failures that
	// opens the circuit.
	MaxFailures uint32 `toml:"max_failures" yaml:"max_failures"`
	// OpenTimeout is how long the circuit stays open before probing.
	OpenTimeout time.Duration `toml:"open_timeout" yaml:"open_timeout"`
	// Disabled turns the breaker off.
	Disabled bool `toml:"disabled" yaml:"disabled"`
}

const (
	defaultMaxFailures = 5
	defaultOpenTimeout = 30 * time.Second
)

type chatBreaker struct {
	cb *gobreaker.CircuitBreaker
}

func newChatBreaker(cfg BreakerConfig, logger *logging.Logger) *chatBreaker {
	if cfg.Disabled {
		return &chatBreaker{}
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = defaultMaxFailures
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = defaultOpenTimeout
	}
	return &chatBreaker{cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "chat",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit_state", map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
		// Only retryable backend faults count against the circuit.
		IsSuccessful: func(err error) bool {
			return err == nil || !taskerrors.IsRetryable(err)
		},
	})}
}

func (b *chatBreaker) call(fn func() (*llm.ChatResponse, error)) (*llm.ChatResponse, error) {
	if b.cb == nil {
		return fn()
	}
	out, err := b.cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, taskerrors.Upstream("generation backend circuit open",
				taskerrors.WithCause(err),
				taskerrors.WithMetadata("reason", "circuit_open"))
		}
		return nil, err
	}
	return out.(*llm.ChatResponse), nil
}
