// Package reliability wraps calls to the external key authority with retry
// and a circuit breaker, so a flapping KMS neither fails every request on
// the first blip nor gets hammered while it is clearly down.
package reliability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrCircuitOpen is returned without touching the authority while the
// breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config tunes the executor. Zero values pick the defaults below.
type Config struct {
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries uint64
	// InitialInterval is the first retry delay; subsequent delays grow
	// exponentially with jitter.
	InitialInterval time.Duration
	// MaxInterval caps the delay between attempts.
	MaxInterval time.Duration
	// FailureThreshold consecutive failures open the breaker.
	FailureThreshold int
	// OpenTimeout is how long the breaker stays open before one probe
	// call is allowed through.
	OpenTimeout time.Duration
	// IsRetryable classifies errors; a nil function retries everything.
	IsRetryable func(error) bool
}

func (c *Config) applyDefaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 100 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 2 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	if c.IsRetryable == nil {
		c.IsRetryable = func(err error) bool { return err != nil }
	}
}

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// Executor runs operations with retry inside a shared circuit breaker.
type Executor struct {
	cfg Config

	mu        sync.Mutex
	state     breakerState
	failures  int
	openedAt  time.Time
}

// New creates an executor with the given configuration.
func New(cfg Config) *Executor {
	cfg.applyDefaults()
	return &Executor{cfg: cfg}
}

// Do runs op, retrying retryable failures with exponential backoff while
// the caller's context allows it. Non-retryable errors are returned
// immediately and do not count against the breaker.
func (e *Executor) Do(ctx context.Context, op func() error) error {
	if err := e.allow(); err != nil {
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.cfg.InitialInterval
	policy.MaxInterval = e.cfg.MaxInterval
	policy.MaxElapsedTime = 0 // bounded by MaxRetries and ctx instead

	err := backoff.Retry(func() error {
		err := op()
		if err != nil && !e.cfg.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, e.cfg.MaxRetries), ctx))

	e.record(err)
	return err
}

// allow checks the breaker, transitioning open -> half-open after the
// timeout so a single probe can test the authority.
func (e *Executor) allow() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case stateOpen:
		if time.Since(e.openedAt) < e.cfg.OpenTimeout {
			return fmt.Errorf("%w: retry after %s", ErrCircuitOpen,
				e.cfg.OpenTimeout-time.Since(e.openedAt))
		}
		e.state = stateHalfOpen
	}
	return nil
}

func (e *Executor) record(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err == nil {
		e.state = stateClosed
		e.failures = 0
		return
	}
	if !e.cfg.IsRetryable(err) {
		// Caller mistakes (bad ids, failed auth) say nothing about the
		// authority's health.
		return
	}
	e.failures++
	if e.state == stateHalfOpen || e.failures >= e.cfg.FailureThreshold {
		e.state = stateOpen
		e.openedAt = time.Now()
		e.failures = 0
	}
}
