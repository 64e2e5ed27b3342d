// Package worker runs a pool of task drivers against the shared store.
//
// A Pool scans for resumable tasks on a ticker and whenever a submission
// arrives on the bus, claims each one it has a free slot for, keeps the
// lease alive while the task is driven, and releases it afterwards. Pools
// in different processes cooperate only through leases: when a worker dies
// its leases expire and the tasks are resumed by whichever pool claims
// them next.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/vinayprograms/taskdispatch/bus"
	taskerrors "github.com/vinayprograms/taskdispatch/errors"
	"github.com/vinayprograms/taskdispatch/heartbeat"
	"github.com/vinayprograms/taskdispatch/logging"
	"github.com/vinayprograms/taskdispatch/tasks"
)

// Defaults.
const (
	DefaultConcurrency  = 4
	DefaultLeaseTTL     = 30 * time.Second
	DefaultPollInterval = 2 * time.Second

	// QueueGroup is the bus queue group workers join for submissions.
	QueueGroup = "workers"
)

// Common errors.
var (
	ErrAlreadyRunning = errors.New("worker pool already running")
)

// Driver advances one leased task.
type Driver interface {
	Drive(ctx context.Context, lease *tasks.Lease) (*tasks.Task, error)
}

// Config configures a Pool. Tasks and Driver are required.
type Config struct {
	Tasks  *tasks.Manager
	Driver Driver

	// Bus, when set, wakes the pool on dispatch.submitted.
	Bus bus.MessageBus

	// Heartbeat, when set, is started with the pool and kept informed of
	// the tasks in flight.
	Heartbeat *heartbeat.Sender

	// WorkerID stamps claims and execution records.
	// Default: "worker-" plus a random suffix.
	WorkerID string

	Concurrency  int
	LeaseTTL     time.Duration
	PollInterval time.Duration

	Logger *logging.Logger
}

// Pool drives up to Concurrency tasks at a time.
type Pool struct {
	tasks       *tasks.Manager
	driver      Driver
	bus         bus.MessageBus
	heartbeat   *heartbeat.Sender
	workerID    string
	concurrency int
	leaseTTL    time.Duration
	poll        time.Duration
	logger      *logging.Logger

	slots chan struct{}
	wake  chan struct{}

	mu           sync.Mutex
	active       map[string]struct{}
	running      bool
	cancelDrives context.CancelFunc
	done         chan struct{}

	draining  atomic.Bool
	drainCh   chan struct{}
	drainOnce sync.Once
}

// New creates a Pool.
func New(cfg Config) (*Pool, error) {
	if cfg.Tasks == nil || cfg.Driver == nil {
		return nil, errors.New("worker: tasks and driver are required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-" + uuid.NewString()[:8]
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New()
	}

	return &Pool{
		tasks:       cfg.Tasks,
		driver:      cfg.Driver,
		bus:         cfg.Bus,
		heartbeat:   cfg.Heartbeat,
		workerID:    cfg.WorkerID,
		concurrency: cfg.Concurrency,
		leaseTTL:    cfg.LeaseTTL,
		poll:        cfg.PollInterval,
		logger:      cfg.Logger.WithComponent("worker"),
		slots:       make(chan struct{}, cfg.Concurrency),
		wake:        make(chan struct{}, 1),
		active:      make(map[string]struct{}),
		done:        make(chan struct{}),
		drainCh:     make(chan struct{}),
	}, nil
}

// WorkerID returns the id this pool claims tasks under.
func (p *Pool) WorkerID() string { return p.workerID }

// Active returns the ids of tasks being driven, sorted.
func (p *Pool) Active() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activeLocked()
}

func (p *Pool) activeLocked() []string {
	ids := make([]string, 0, len(p.active))
	for id := range p.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Wake asks the pool to scan for work now.
func (p *Pool) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run claims and drives tasks until ctx is done or the pool is drained.
// Canceling ctx interrupts drives in flight; their tasks stay resumable.
// Run returns after every drive has ended and every lease is released.
func (p *Pool) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return ErrAlreadyRunning
	}
	p.running = true
	driveCtx, cancel := context.WithCancel(ctx)
	p.cancelDrives = cancel
	p.mu.Unlock()
	defer close(p.done)
	defer cancel()

	p.logger.Info("worker_started", map[string]interface{}{
		"worker_id":   p.workerID,
		"concurrency": p.concurrency,
		"lease_ttl":   p.leaseTTL.String(),
	})

	g, gctx := errgroup.WithContext(driveCtx)

	var sub bus.Subscription
	if p.bus != nil {
		var err error
		sub, err = p.bus.QueueSubscribe(tasks.SubjectSubmitted, QueueGroup)
		if err != nil {
			return fmt.Errorf("worker: subscribe: %w", err)
		}
		g.Go(func() error {
			p.listen(gctx, sub)
			return nil
		})
	}

	if p.heartbeat != nil {
		if err := p.heartbeat.Start(gctx); err == nil {
			defer p.heartbeat.Stop()
		}
	}

	p.dispatch(gctx, g)

	if sub != nil {
		sub.Unsubscribe()
	}
	err := g.Wait()

	p.logger.Info("worker_stopped", map[string]interface{}{"worker_id": p.workerID})
	return err
}

// listen turns submission notifications into wake-ups.
func (p *Pool) listen(ctx context.Context, sub bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-sub.Messages():
			if !ok {
				return
			}
			p.Wake()
		}
	}
}

// dispatch scans until the pool stops claiming.
func (p *Pool) dispatch(ctx context.Context, g *errgroup.Group) {
	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()

	for {
		p.scan(ctx, g)
		select {
		case <-ctx.Done():
			return
		case <-p.drainCh:
			return
		case <-ticker.C:
		case <-p.wake:
		}
	}
}

// scan claims resumable tasks oldest first while slots are free.
func (p *Pool) scan(ctx context.Context, g *errgroup.Group) {
	candidates, err := p.tasks.Resumable(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("scan_failed", map[string]interface{}{"error": err.Error()})
		}
		return
	}

	for _, t := range candidates {
		if ctx.Err() != nil || p.draining.Load() {
			return
		}
		if p.isActive(t.ID) {
			continue
		}
		select {
		case p.slots <- struct{}{}:
		default:
			return
		}

		lease, err := p.tasks.Claim(ctx, t.ID, p.workerID, p.leaseTTL)
		if err != nil {
			<-p.slots
			switch {
			case errors.Is(err, tasks.ErrTaskAlreadyClaimed), errors.Is(err, tasks.ErrTaskTerminal), errors.Is(err, tasks.ErrTaskNotFound):
			default:
				if ctx.Err() == nil {
					p.logger.WithTask(t.ID).Warn("claim_failed", map[string]interface{}{"error": err.Error()})
				}
			}
			continue
		}

		p.track(t.ID, true)
		g.Go(func() error {
			p.drive(ctx, lease)
			return nil
		})
	}
}

func (p *Pool) isActive(taskID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.active[taskID]
	return ok
}

func (p *Pool) track(taskID string, on bool) {
	p.mu.Lock()
	if on {
		p.active[taskID] = struct{}{}
	} else {
		delete(p.active, taskID)
	}
	ids := p.activeLocked()
	p.mu.Unlock()

	if p.heartbeat != nil {
		p.heartbeat.SetActive(ids, p.concurrency)
	}
}

// drive runs one leased task with a keepalive, then frees its slot.
func (p *Pool) drive(ctx context.Context, lease *tasks.Lease) {
	taskID := lease.TaskID()
	log := p.logger.WithTask(taskID)

	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		if err := lease.Release(); err != nil {
			log.Warn("release_failed", map[string]interface{}{"error": err.Error()})
		}
		p.track(taskID, false)
		<-p.slots
		p.Wake()
	}()
	defer func() {
		if r := recover(); r != nil {
			log.Error("drive_panic", map[string]interface{}{"error": taskerrors.RecoverPanic(r).Error()})
		}
	}()

	stop := p.keepAlive(ctx, lease, cancel)
	task, err := p.driver.Drive(ctx, lease)
	stop()

	if err != nil {
		fields := map[string]interface{}{"error": err.Error()}
		if task != nil {
			fields["status"] = string(task.Status)
			fields["attempts"] = task.AttemptCount
		}
		log.Warn("drive_interrupted", fields)
	}
}

// keepAlive refreshes the lease every TTL/3 until stopped. A failed
// refresh cancels the drive: another worker may already hold the task.
func (p *Pool) keepAlive(ctx context.Context, lease *tasks.Lease, cancel context.CancelFunc) (stop func()) {
	quit := make(chan struct{})
	exited := make(chan struct{})

	interval := p.leaseTTL / 3
	if interval <= 0 {
		interval = time.Millisecond
	}

	go func() {
		defer close(exited)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-quit:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := lease.Refresh(); err != nil {
					p.logger.WithTask(lease.TaskID()).Warn("lease_lost", map[string]interface{}{
						"worker_id": p.workerID,
						"error":     err.Error(),
					})
					cancel()
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(quit)
			<-exited
		})
	}
}

// OnShutdown stops claiming, lets drives in flight finish until ctx ends,
// then interrupts the rest. Interrupted tasks are released for another
// worker to resume.
func (p *Pool) OnShutdown(ctx context.Context) error {
	p.drainOnce.Do(func() {
		p.draining.Store(true)
		close(p.drainCh)
		if p.heartbeat != nil {
			p.heartbeat.Drain()
		}
		p.logger.Info("worker_draining", map[string]interface{}{
			"worker_id": p.workerID,
			"active":    len(p.Active()),
		})
	})

	p.mu.Lock()
	running, cancel := p.running, p.cancelDrives
	p.mu.Unlock()
	if !running {
		return nil
	}

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		cancel()
		<-p.done
		return ctx.Err()
	}
}
