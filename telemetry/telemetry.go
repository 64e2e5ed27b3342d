// Package telemetry provides tracing and a task event log.
//
// Spans go through an injected Tracer backed by OpenTelemetry. Task
// lifecycle events (every finished attempt, every terminal transition) go
// to an Exporter; the JSONL exporter appends them to a file that can be
// tailed or shipped for audit.
package telemetry

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Task lifecycle event names.
const (
	EventAttempt  = "task.attempt"
	EventTerminal = "task.terminal"
)

// Exporter records task lifecycle events. LogEvent never blocks on a slow
// consumer for long and never fails the caller.
type Exporter interface {
	LogEvent(name string, data map[string]interface{})
	Close() error
}

// Event is one line of the event log.
type Event struct {
	Name      string                 `json:"name"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// JSONLExporter writes one JSON event per line.
type JSONLExporter struct {
	mu     sync.Mutex
	enc    *json.Encoder
	closer io.Closer
	now    func() time.Time
	err    error
}

// NewJSONLExporter writes events to w. Close does not close w.
func NewJSONLExporter(w io.Writer) *JSONLExporter {
	return &JSONLExporter{enc: json.NewEncoder(w), now: time.Now}
}

// OpenEventLog appends events to the file at path, creating it if needed.
func OpenEventLog(path string) (*JSONLExporter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	e := NewJSONLExporter(f)
	e.closer = f
	return e, nil
}

// LogEvent appends an event. The first write error is kept and returned
// by Close; later events are dropped.
func (e *JSONLExporter) LogEvent(name string, data map[string]interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return
	}
	e.err = e.enc.Encode(Event{Name: name, Timestamp: e.now().UTC(), Data: data})
}

// Close closes the underlying file, if this exporter opened it.
func (e *JSONLExporter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	err := e.err
	if e.closer != nil {
		if cerr := e.closer.Close(); err == nil {
			err = cerr
		}
		e.closer = nil
	}
	return err
}

// NoopExporter discards events.
type NoopExporter struct{}

// NewNoopExporter creates a NoopExporter.
func NewNoopExporter() NoopExporter { return NoopExporter{} }

func (NoopExporter) LogEvent(string, map[string]interface{}) {}
func (NoopExporter) Close() error                            { return nil }
