package worker

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/vinayprograms/taskdispatch/bus"
	taskerrors "github.com/vinayprograms/taskdispatch/errors"
	"github.com/vinayprograms/taskdispatch/heartbeat"
	"github.com/vinayprograms/taskdispatch/intent"
	"github.com/vinayprograms/taskdispatch/logging"
	"github.com/vinayprograms/taskdispatch/orchestrator"
	"github.com/vinayprograms/taskdispatch/retry"
	"github.com/vinayprograms/taskdispatch/state"
	"github.com/vinayprograms/taskdispatch/tasks"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func quietLogger() *logging.Logger {
	l := logging.New()
	l.SetOutput(io.Discard)
	return l
}

// driverFunc adapts a function to Driver.
type driverFunc func(ctx context.Context, lease *tasks.Lease) (*tasks.Task, error)

func (f driverFunc) Drive(ctx context.Context, lease *tasks.Lease) (*tasks.Task, error) {
	return f(ctx, lease)
}

// completeDriver walks every task straight to Completed with its raw text
// as the result.
func completeDriver(mgr *tasks.Manager) driverFunc {
	return func(ctx context.Context, lease *tasks.Lease) (*tasks.Task, error) {
		var task *tasks.Task
		for _, next := range []tasks.TaskStatus{tasks.StatusClassifying, tasks.StatusExecuting, tasks.StatusCompleted} {
			var err error
			task, err = mgr.Mutate(ctx, lease, func(t *tasks.Task) error {
				t.Status = next
				if next == tasks.StatusCompleted {
					t.Result = t.RawText
				}
				return nil
			})
			if err != nil {
				return lease.Task(), err
			}
		}
		return task, nil
	}
}

func newStore(t *testing.T) (*state.MemoryStore, *tasks.Manager) {
	t.Helper()
	store := state.NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	return store, tasks.NewManager(store)
}

func startPool(t *testing.T, cfg Config) (*Pool, func()) {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	p, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()

	return p, func() {
		cancel()
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("pool did not stop")
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 5*time.Millisecond, what)
}

func statusOf(t *testing.T, mgr *tasks.Manager, id string) tasks.TaskStatus {
	task, err := mgr.Get(context.Background(), id)
	require.NoError(t, err)
	return task.Status
}

func newOrchestrator(t *testing.T, mgr *tasks.Manager, exec orchestrator.Executor) *orchestrator.Orchestrator {
	t.Helper()
	o, err := orchestrator.New(orchestrator.Config{
		Tasks:      mgr,
		Classifier: intent.NewDefault(),
		Executor:   exec,
		Governor: retry.NewGovernor(retry.WithSleep(func(ctx context.Context, _ time.Duration) error {
			return ctx.Err()
		})),
		Logger: quietLogger(),
	})
	require.NoError(t, err)
	return o
}

type execFunc func(ctx context.Context, in intent.Intent, params map[string]string, timeout time.Duration) (string, error)

func (f execFunc) Execute(ctx context.Context, in intent.Intent, params map[string]string, timeout time.Duration) (string, error) {
	return f(ctx, in, params, timeout)
}

func TestNew_Defaults(t *testing.T) {
	_, mgr := newStore(t)

	_, err := New(Config{})
	assert.Error(t, err)

	p, err := New(Config{Tasks: mgr, Driver: completeDriver(mgr), Logger: quietLogger()})
	require.NoError(t, err)
	assert.Equal(t, DefaultConcurrency, p.concurrency)
	assert.Equal(t, DefaultLeaseTTL, p.leaseTTL)
	assert.Regexp(t, `^worker-[0-9a-f]{8}$`, p.WorkerID())
}

func TestPool_DrivesSubmittedTasks(t *testing.T) {
	_, mgr := newStore(t)
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()

	o := newOrchestrator(t, mgr, execFunc(func(_ context.Context, in intent.Intent, _ map[string]string, _ time.Duration) (string, error) {
		return "done:" + string(in), nil
	}))
	_, stop := startPool(t, Config{
		Tasks:        mgr,
		Driver:       o,
		Bus:          b,
		WorkerID:     "w1",
		PollInterval: time.Hour, // rely on bus wake-ups
	})
	defer stop()

	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		task, _, err := mgr.Submit(ctx, "what time is it", id)
		require.NoError(t, err)
		data, _ := (&tasks.SubmittedEvent{TaskID: task.ID, CreatedAt: task.CreatedAt}).Marshal()
		require.NoError(t, b.Publish(tasks.SubjectSubmitted, data))
	}

	for _, id := range []string{"a", "b", "c"} {
		waitFor(t, "task "+id+" completed", func() bool {
			return statusOf(t, mgr, id) == tasks.StatusCompleted
		})
		task, err := mgr.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "done:get_time", task.Result)
		assert.Equal(t, "w1", task.ClaimedBy)
	}
}

func TestPool_RespectsConcurrency(t *testing.T) {
	_, mgr := newStore(t)

	var current, peak atomic.Int32
	release := make(chan struct{})
	driver := driverFunc(func(ctx context.Context, lease *tasks.Lease) (*tasks.Task, error) {
		n := current.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		defer current.Add(-1)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return completeDriver(mgr)(ctx, lease)
	})

	ctx := context.Background()
	for _, id := range []string{"t1", "t2", "t3", "t4", "t5"} {
		_, _, err := mgr.Submit(ctx, "x", id)
		require.NoError(t, err)
	}

	p, stop := startPool(t, Config{Tasks: mgr, Driver: driver, Concurrency: 2})
	defer stop()

	waitFor(t, "two drives running", func() bool { return current.Load() == 2 })
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), peak.Load())
	assert.Len(t, p.Active(), 2)

	close(release)
	waitFor(t, "all tasks completed", func() bool {
		list, err := mgr.List(ctx, tasks.StatusCompleted)
		return err == nil && len(list) == 5
	})
	assert.Equal(t, int32(2), peak.Load())
}

func TestPool_KeepsLeaseAlive(t *testing.T) {
	_, mgr := newStore(t)

	started := make(chan struct{})
	driver := driverFunc(func(ctx context.Context, lease *tasks.Lease) (*tasks.Task, error) {
		close(started)
		<-ctx.Done()
		return lease.Task(), ctx.Err()
	})
	_, _, err := mgr.Submit(context.Background(), "x", "held")
	require.NoError(t, err)

	_, stop := startPool(t, Config{Tasks: mgr, Driver: driver, LeaseTTL: 60 * time.Millisecond})

	<-started
	time.Sleep(200 * time.Millisecond) // several TTLs
	_, err = mgr.Claim(context.Background(), "held", "intruder", time.Minute)
	assert.ErrorIs(t, err, tasks.ErrTaskAlreadyClaimed)

	stop()

	// Stopping the pool releases the lease.
	lease, err := mgr.Claim(context.Background(), "held", "next", time.Minute)
	require.NoError(t, err)
	lease.Release()
}

// flakyStore fails lock refreshes on demand.
type flakyStore struct {
	*state.MemoryStore
	failRefresh atomic.Bool
}

type flakyLock struct {
	state.Lock
	store *flakyStore
}

func (s *flakyStore) Lock(key string, ttl time.Duration) (state.Lock, error) {
	l, err := s.MemoryStore.Lock(key, ttl)
	if err != nil {
		return nil, err
	}
	return &flakyLock{Lock: l, store: s}, nil
}

func (l *flakyLock) Refresh() error {
	if l.store.failRefresh.Load() {
		return state.ErrLockExpired
	}
	return l.Lock.Refresh()
}

func TestPool_LostLeaseCancelsDrive(t *testing.T) {
	store := &flakyStore{MemoryStore: state.NewMemoryStore()}
	defer store.Close()
	mgr := tasks.NewManager(store)

	var once sync.Once
	canceled := make(chan struct{})
	driver := driverFunc(func(ctx context.Context, lease *tasks.Lease) (*tasks.Task, error) {
		store.failRefresh.Store(true)
		<-ctx.Done()
		once.Do(func() { close(canceled) })
		// Keep the test from re-claiming in a loop.
		return mgr.Mutate(context.Background(), lease, func(t *tasks.Task) error {
			t.Status = tasks.StatusFailed
			t.Error = taskerrors.Canceled("lease lost")
			return nil
		})
	})
	_, _, err := mgr.Submit(context.Background(), "x", "lost")
	require.NoError(t, err)

	_, stop := startPool(t, Config{Tasks: mgr, Driver: driver, LeaseTTL: 30 * time.Millisecond})
	defer stop()

	select {
	case <-canceled:
	case <-time.After(5 * time.Second):
		t.Fatal("drive was not canceled after refresh failure")
	}
}

func TestPool_ResumesTaskOfCrashedWorker(t *testing.T) {
	_, mgr := newStore(t)
	ctx := context.Background()

	// The first worker dies in the middle of attempt 1 and never releases
	// its lease.
	crashCtx, crash := context.WithCancel(ctx)
	dying := newOrchestrator(t, mgr, execFunc(func(ctx context.Context, _ intent.Intent, _ map[string]string, _ time.Duration) (string, error) {
		crash()
		<-ctx.Done()
		return "", ctx.Err()
	}))
	_, _, err := mgr.Submit(ctx, "Read file notes.txt", "agent-task-1")
	require.NoError(t, err)
	lease, err := mgr.Claim(ctx, "agent-task-1", "dead-worker", 100*time.Millisecond)
	require.NoError(t, err)
	_, err = dying.Drive(crashCtx, lease)
	require.Error(t, err)

	var calls atomic.Int32
	healthy := newOrchestrator(t, mgr, execFunc(func(_ context.Context, in intent.Intent, params map[string]string, _ time.Duration) (string, error) {
		calls.Add(1)
		return "read " + params[intent.ParamPath], nil
	}))
	_, stop := startPool(t, Config{Tasks: mgr, Driver: healthy, WorkerID: "w2"})
	defer stop()

	waitFor(t, "task resumed and completed", func() bool {
		return statusOf(t, mgr, "agent-task-1") == tasks.StatusCompleted
	})

	task, err := mgr.Get(ctx, "agent-task-1")
	require.NoError(t, err)
	assert.Equal(t, "read notes.txt", task.Result)
	assert.Equal(t, intent.ReadFile, task.Intent)
	assert.Equal(t, 2, task.AttemptCount)
	require.Len(t, task.Records, 2)
	assert.Equal(t, tasks.OutcomeAbandoned, task.Records[0].Outcome)
	assert.Equal(t, "dead-worker", task.Records[0].WorkerID)
	assert.Equal(t, tasks.OutcomeSuccess, task.Records[1].Outcome)
	assert.Equal(t, "w2", task.Records[1].WorkerID)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPool_ShutdownWaitsForDrives(t *testing.T) {
	_, mgr := newStore(t)

	started := make(chan struct{})
	finish := make(chan struct{})
	driver := driverFunc(func(ctx context.Context, lease *tasks.Lease) (*tasks.Task, error) {
		close(started)
		<-finish
		return completeDriver(mgr)(ctx, lease)
	})
	_, _, err := mgr.Submit(context.Background(), "x", "graceful")
	require.NoError(t, err)

	p, stop := startPool(t, Config{Tasks: mgr, Driver: driver})
	defer stop()
	<-started

	done := make(chan error, 1)
	go func() { done <- p.OnShutdown(context.Background()) }()

	select {
	case <-done:
		t.Fatal("shutdown returned while a drive was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(finish)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not finish")
	}
	assert.Equal(t, tasks.StatusCompleted, statusOf(t, mgr, "graceful"))
}

func TestPool_ShutdownTimeoutInterruptsDrives(t *testing.T) {
	_, mgr := newStore(t)

	started := make(chan struct{})
	driver := driverFunc(func(ctx context.Context, lease *tasks.Lease) (*tasks.Task, error) {
		close(started)
		<-ctx.Done()
		return lease.Task(), ctx.Err()
	})
	_, _, err := mgr.Submit(context.Background(), "x", "slow")
	require.NoError(t, err)

	p, stop := startPool(t, Config{Tasks: mgr, Driver: driver})
	defer stop()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.OnShutdown(ctx), context.DeadlineExceeded)

	// The interrupted task is immediately claimable elsewhere.
	lease, err := mgr.Claim(context.Background(), "slow", "other", time.Minute)
	require.NoError(t, err)
	lease.Release()
}

func TestPool_ShutdownBeforeRun(t *testing.T) {
	_, mgr := newStore(t)
	p, err := New(Config{Tasks: mgr, Driver: completeDriver(mgr), Logger: quietLogger()})
	require.NoError(t, err)
	assert.NoError(t, p.OnShutdown(context.Background()))
}

func TestPool_PublishesHeartbeats(t *testing.T) {
	_, mgr := newStore(t)
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()

	sub, err := b.Subscribe(heartbeat.SubjectPrefix + "w-hb")
	require.NoError(t, err)

	sender, err := heartbeat.NewSender(heartbeat.SenderConfig{Bus: b, WorkerID: "w-hb", Interval: 10 * time.Millisecond})
	require.NoError(t, err)

	release := make(chan struct{})
	driver := driverFunc(func(ctx context.Context, lease *tasks.Lease) (*tasks.Task, error) {
		<-release
		return completeDriver(mgr)(ctx, lease)
	})
	_, _, err = mgr.Submit(context.Background(), "x", "beat")
	require.NoError(t, err)

	_, stop := startPool(t, Config{Tasks: mgr, Driver: driver, WorkerID: "w-hb", Heartbeat: sender, Concurrency: 2})
	defer stop()
	defer close(release)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg := <-sub.Messages():
			hb, err := heartbeat.Unmarshal(msg.Data)
			require.NoError(t, err)
			if hb.Status == heartbeat.StatusBusy {
				assert.Equal(t, []string{"beat"}, hb.Tasks)
				assert.Equal(t, 0.5, hb.Load)
				sub.Unsubscribe()
				return
			}
		case <-deadline:
			t.Fatal("no busy heartbeat")
		}
	}
}
