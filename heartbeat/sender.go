package heartbeat

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/taskdispatch/bus"
)

// Sender publishes heartbeats for one worker pool.
type Sender struct {
	bus      bus.MessageBus
	workerID string
	interval time.Duration

	mu     sync.RWMutex
	status string
	load   float64
	tasks  []string

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewSender creates a heartbeat sender.
func NewSender(cfg SenderConfig) (*Sender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	return &Sender{
		bus:      cfg.Bus,
		workerID: cfg.WorkerID,
		interval: interval,
		status:   StatusIdle,
	}, nil
}

// Start begins sending heartbeats at the configured interval.
func (s *Sender) Start(ctx context.Context) error {
	if s.running.Swap(true) {
		return ErrAlreadyStarted
	}

	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go s.run(ctx)
	return nil
}

func (s *Sender) run(ctx context.Context) {
	defer close(s.doneCh)

	// Send initial heartbeat immediately
	s.send()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.send()
		}
	}
}

// send publishes the current state. Publish errors are dropped; the next
// tick tries again.
func (s *Sender) send() {
	hb := s.snapshot()
	data, err := hb.Marshal()
	if err != nil {
		return
	}
	s.bus.Publish(hb.Subject(), data)
}

func (s *Sender) snapshot() *Heartbeat {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hb := &Heartbeat{
		WorkerID:  s.workerID,
		Timestamp: time.Now(),
		Status:    s.status,
		Load:      s.load,
	}
	if len(s.tasks) > 0 {
		hb.Tasks = append([]string(nil), s.tasks...)
	}
	return hb
}

// SetActive records the tasks being driven out of capacity slots and
// derives status and load from them.
func (s *Sender) SetActive(taskIDs []string, capacity int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusDraining {
		s.status = StatusIdle
		if len(taskIDs) > 0 {
			s.status = StatusBusy
		}
	}
	s.tasks = append(s.tasks[:0], taskIDs...)
	s.load = 0
	if capacity > 0 {
		s.load = float64(len(taskIDs)) / float64(capacity)
	}
	if s.load > 1 {
		s.load = 1
	}
}

// Drain marks the worker as finishing its current tasks and taking no new
// ones. The change is published immediately.
func (s *Sender) Drain() {
	s.mu.Lock()
	s.status = StatusDraining
	s.mu.Unlock()
	if s.running.Load() {
		s.send()
	}
}

// Stop stops sending heartbeats.
func (s *Sender) Stop() error {
	if !s.running.Swap(false) {
		return ErrNotStarted
	}
	close(s.stopCh)
	<-s.doneCh
	return nil
}

// WorkerID returns the sender's worker ID.
func (s *Sender) WorkerID() string {
	return s.workerID
}
