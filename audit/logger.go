// Package audit defines the append-only audit sink for key-lifecycle
// events and ships a no-op and a JSON-lines file implementation. The
// manager emits one event per create, rotate, delete, export and import,
// and a reduced-verbosity event per key access.
package audit

import (
	"time"
)

// Event is one append-only audit record.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	KeyID     string    `json:"key_id,omitempty"`
	TenantID  string    `json:"tenant_id,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	Success   bool      `json:"success"`
	Detail    string    `json:"detail,omitempty"`
}

// Actions emitted by the key manager.
const (
	ActionCreate = "key.create"
	ActionAccess = "key.access"
	ActionRotate = "key.rotate"
	ActionDelete = "key.delete"
	ActionExport = "key.export"
	ActionImport = "key.import"
)

// QueryOptions filters ReadBack results.
type QueryOptions struct {
	KeyID  string
	Action string
	Limit  int
}

// Logger is a pluggable append-only audit sink.
type Logger interface {
	Log(event Event) error
	Close() error
}

// Queryable is implemented by sinks that can read their own records back,
// most recent first.
type Queryable interface {
	Query(opts QueryOptions) ([]Event, error)
}

// NoOpLogger discards every event. It is the default sink so that audit
// wiring is always present even when no destination is configured.
type NoOpLogger struct{}

func (NoOpLogger) Log(Event) error { return nil }
func (NoOpLogger) Close() error    { return nil }
