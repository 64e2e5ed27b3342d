package heartbeat

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/vinayprograms/taskdispatch/bus"
)

// Common errors.
var (
	ErrAlreadyStarted = errors.New("heartbeat already started")
	ErrNotStarted     = errors.New("heartbeat not started")
	ErrInvalidConfig  = errors.New("invalid configuration")
)

// SubjectPrefix is the subject prefix for worker heartbeats.
const SubjectPrefix = "dispatch.worker."

// Worker statuses.
const (
	StatusIdle     = "idle"
	StatusBusy     = "busy"
	StatusDraining = "draining"
)

// Heartbeat is one liveness message from a worker pool.
type Heartbeat struct {
	WorkerID  string    `json:"worker_id"`
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`

	// Load is active drives divided by concurrency, 0.0 to 1.0.
	Load float64 `json:"load"`

	// Tasks lists the task ids being driven.
	Tasks []string `json:"tasks,omitempty"`
}

// Marshal serializes a heartbeat to JSON.
func (h *Heartbeat) Marshal() ([]byte, error) {
	return json.Marshal(h)
}

// Unmarshal deserializes a heartbeat from JSON.
func Unmarshal(data []byte) (*Heartbeat, error) {
	var h Heartbeat
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Subject returns the subject for this heartbeat.
func (h *Heartbeat) Subject() string {
	return SubjectPrefix + h.WorkerID
}

// SenderConfig configures a heartbeat sender.
type SenderConfig struct {
	// Bus is the message bus for publishing heartbeats.
	Bus bus.MessageBus

	// WorkerID identifies the worker pool.
	WorkerID string

	// Interval between heartbeats.
	// Default: 5 seconds
	Interval time.Duration
}

// Validate checks the configuration.
func (c *SenderConfig) Validate() error {
	if c.Bus == nil || c.WorkerID == "" {
		return ErrInvalidConfig
	}
	return nil
}

// MonitorConfig configures a heartbeat monitor.
type MonitorConfig struct {
	// Bus is the message bus for subscribing to heartbeats.
	Bus bus.MessageBus

	// Timeout for considering a worker dead.
	// Should be 2-3x the heartbeat interval.
	// Default: 15 seconds
	Timeout time.Duration

	// CheckInterval for the dead worker checker.
	// Default: 1 second
	CheckInterval time.Duration
}

// Validate checks the configuration.
func (c *MonitorConfig) Validate() error {
	if c.Bus == nil {
		return ErrInvalidConfig
	}
	return nil
}

// Defaults.
const (
	DefaultInterval      = 5 * time.Second
	DefaultTimeout       = 15 * time.Second
	DefaultCheckInterval = time.Second
)
