package keylock

import (
	"context"
	"sync"
	"time"
)

// ObservabilityHook receives callbacks around manager operations. The
// default is NoOpObservabilityHook; wire a real implementation to feed
// metrics or tracing without coupling the manager to any backend.
type ObservabilityHook interface {
	// OnOperationStart is called before an operation begins.
	OnOperationStart(ctx context.Context, operation string, keyID string)

	// OnOperationComplete is called after an operation finishes, with its
	// duration and outcome.
	OnOperationComplete(ctx context.Context, operation string, keyID string, duration time.Duration, err error)

	// OnCacheEvent reports cache hits and misses for key resolution.
	OnCacheEvent(ctx context.Context, keyID string, hit bool)
}

// NoOpObservabilityHook ignores every callback.
type NoOpObservabilityHook struct{}

func (NoOpObservabilityHook) OnOperationStart(context.Context, string, string) {}
func (NoOpObservabilityHook) OnOperationComplete(context.Context, string, string, time.Duration, error) {
}
func (NoOpObservabilityHook) OnCacheEvent(context.Context, string, bool) {}

// InMemoryObservabilityHook records callbacks for tests and development.
type InMemoryObservabilityHook struct {
	mu          sync.Mutex
	Operations  []OperationRecord
	CacheHits   int
	CacheMisses int
}

type OperationRecord struct {
	Operation string
	KeyID     string
	Duration  time.Duration
	Err       error
}

func NewInMemoryObservabilityHook() *InMemoryObservabilityHook {
	return &InMemoryObservabilityHook{}
}

func (h *InMemoryObservabilityHook) OnOperationStart(ctx context.Context, operation, keyID string) {
}

func (h *InMemoryObservabilityHook) OnOperationComplete(ctx context.Context, operation, keyID string, duration time.Duration, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Operations = append(h.Operations, OperationRecord{
		Operation: operation,
		KeyID:     keyID,
		Duration:  duration,
		Err:       err,
	})
}

func (h *InMemoryObservabilityHook) OnCacheEvent(ctx context.Context, keyID string, hit bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if hit {
		h.CacheHits++
	} else {
		h.CacheMisses++
	}
}

// Snapshot returns a copy of the recorded operations.
func (h *InMemoryObservabilityHook) Snapshot() []OperationRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]OperationRecord, len(h.Operations))
	copy(out, h.Operations)
	return out
}
