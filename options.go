package keylock

import (
	"fmt"
	"time"

	"github.com/hengadev/keylock/audit"
	"github.com/hengadev/keylock/internal/reliability"
)

// Option configures a Manager at construction time.
type Option func(m *Manager) error

// WithAuditLogger replaces the default no-op audit sink.
func WithAuditLogger(logger audit.Logger) Option {
	return func(m *Manager) error {
		if logger == nil {
			return fmt.Errorf("%w: audit logger cannot be nil", ErrInvalidConfiguration)
		}
		m.audit = logger
		return nil
	}
}

// WithObservabilityHook wires operation callbacks for metrics or tracing.
func WithObservabilityHook(hook ObservabilityHook) Option {
	return func(m *Manager) error {
		if hook == nil {
			return fmt.Errorf("%w: observability hook cannot be nil", ErrInvalidConfiguration)
		}
		m.hook = hook
		return nil
	}
}

// WithActor sets the actor recorded on audit events. Default: "keylock".
func WithActor(actor string) Option {
	return func(m *Manager) error {
		m.actor = actor
		return nil
	}
}

// WithClock overrides the time source, for tests exercising rotation
// schedules without waiting.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) error {
		if now == nil {
			return fmt.Errorf("%w: clock cannot be nil", ErrInvalidConfiguration)
		}
		m.now = now
		return nil
	}
}

// WithAuthorityReliability tunes retry and circuit breaking around
// authority calls.
func WithAuthorityReliability(cfg reliability.Config) Option {
	return func(m *Manager) error {
		cfg.IsRetryable = IsRetryableError
		m.authority = reliability.New(cfg)
		return nil
	}
}
