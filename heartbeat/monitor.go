package heartbeat

import (
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/taskdispatch/bus"
)

// Monitor tracks worker heartbeats and detects silent workers.
type Monitor struct {
	bus           bus.MessageBus
	timeout       time.Duration
	checkInterval time.Duration
	now           func() time.Time

	mu       sync.RWMutex
	lastSeen map[string]*Heartbeat
	deadCBs  []func(string)
	reported map[string]bool // already-reported dead workers

	running atomic.Bool
	sub     bus.Subscription
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewMonitor creates a heartbeat monitor.
func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	checkInterval := cfg.CheckInterval
	if checkInterval <= 0 {
		checkInterval = DefaultCheckInterval
	}

	return &Monitor{
		bus:           cfg.Bus,
		timeout:       timeout,
		checkInterval: checkInterval,
		now:           time.Now,
		lastSeen:      make(map[string]*Heartbeat),
		reported:      make(map[string]bool),
	}, nil
}

// Start subscribes to every worker subject.
func (m *Monitor) Start() error {
	if m.running.Swap(true) {
		return ErrAlreadyStarted
	}

	sub, err := m.bus.Subscribe(SubjectPrefix + "*")
	if err != nil {
		m.running.Store(false)
		return err
	}
	m.sub = sub
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})

	go m.run()
	return nil
}

func (m *Monitor) run() {
	defer close(m.doneCh)

	checkTicker := time.NewTicker(m.checkInterval)
	defer checkTicker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case msg, ok := <-m.sub.Messages():
			if !ok {
				return
			}
			m.receive(msg)
		case <-checkTicker.C:
			m.checkDead()
		}
	}
}

func (m *Monitor) receive(msg *bus.Message) {
	hb, err := Unmarshal(msg.Data)
	if err != nil {
		return
	}

	// The subject names the sender; a payload cannot claim another worker.
	hb.WorkerID = strings.TrimPrefix(msg.Subject, SubjectPrefix)
	m.observe(hb)
}

// observe records hb unless it is older than what is already known.
func (m *Monitor) observe(hb *Heartbeat) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.lastSeen[hb.WorkerID]; ok && hb.Timestamp.Before(prev.Timestamp) {
		return
	}
	m.lastSeen[hb.WorkerID] = hb
	delete(m.reported, hb.WorkerID)
}

// checkDead invokes callbacks once for every worker silent past the timeout.
func (m *Monitor) checkDead() {
	now := m.now()
	var dead []string

	m.mu.Lock()
	for id, hb := range m.lastSeen {
		if now.Sub(hb.Timestamp) > m.timeout && !m.reported[id] {
			m.reported[id] = true
			dead = append(dead, id)
		}
	}
	callbacks := slices.Clone(m.deadCBs)
	m.mu.Unlock()

	sort.Strings(dead)
	for _, id := range dead {
		for _, cb := range callbacks {
			cb(id)
		}
	}
}

// IsAlive reports whether the worker was heard from within the timeout.
func (m *Monitor) IsAlive(workerID string) bool {
	m.mu.RLock()
	hb, ok := m.lastSeen[workerID]
	m.mu.RUnlock()

	return ok && m.now().Sub(hb.Timestamp) <= m.timeout
}

// Workers returns the latest heartbeat of every known worker, by id.
func (m *Monitor) Workers() []Heartbeat {
	m.mu.RLock()
	out := make([]Heartbeat, 0, len(m.lastSeen))
	for _, hb := range m.lastSeen {
		out = append(out, *hb)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out
}

// OnDead registers a callback for when a worker is presumed dead. Each
// silence is reported once; a worker that resumes sending is reported
// again if it falls silent again.
func (m *Monitor) OnDead(callback func(workerID string)) {
	m.mu.Lock()
	m.deadCBs = append(m.deadCBs, callback)
	m.mu.Unlock()
}

// Stop stops monitoring.
func (m *Monitor) Stop() error {
	if !m.running.Swap(false) {
		return ErrNotStarted
	}
	m.sub.Unsubscribe()
	close(m.stopCh)
	<-m.doneCh
	return nil
}
