package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// FileLogger appends events to a file as JSON lines. Writes are serialized
// and flushed per event so records survive an abrupt exit.
type FileLogger struct {
	mu   sync.Mutex
	file *os.File
}

// NewFileLogger opens (creating if needed) an append-only audit file.
func NewFileLogger(path string) (*FileLogger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log %q: %w", path, err)
	}
	return &FileLogger{file: f}, nil
}

func (l *FileLogger) Log(event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return nil
}

// Query reads the log back, filtered and most recent first.
func (l *FileLogger) Query(opts QueryOptions) ([]Event, error) {
	l.mu.Lock()
	name := l.file.Name()
	l.mu.Unlock()

	f, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log for reading: %w", err)
	}
	defer f.Close()

	var matched []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			// A torn trailing line is possible after a crash; skip it.
			continue
		}
		if opts.KeyID != "" && e.KeyID != opts.KeyID {
			continue
		}
		if opts.Action != "" && e.Action != opts.Action {
			continue
		}
		matched = append(matched, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan audit log: %w", err)
	}

	// Most recent first.
	for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
		matched[i], matched[j] = matched[j], matched[i]
	}
	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}
	return matched, nil
}

func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
