package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/vinayprograms/taskdispatch/heartbeat"
	"github.com/vinayprograms/taskdispatch/shutdown"
	"github.com/vinayprograms/taskdispatch/worker"
)

var (
	workerID          string
	workerConcurrency int
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a worker that claims and executes tasks",
	Long: `Run a worker pool against the configured store and bus. The worker
resumes unfinished tasks on start, picks up new submissions as they arrive,
and on SIGINT or SIGTERM lets running tasks finish before exiting. Tasks
still running at the shutdown deadline are released for another worker.`,
	Args: cobra.NoArgs,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().StringVar(&workerID, "id", "", "worker id (default: configured or generated)")
	workerCmd.Flags().IntVar(&workerConcurrency, "concurrency", 0, "tasks driven at once (default: configured)")
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}

	coord := shutdown.NewCoordinator(shutdown.Config{
		Timeout:         a.cfg.Worker.ShutdownTimeout,
		ContinueOnError: true,
	}, a.logger)

	pool, err := buildPool(ctx, a)
	if err != nil {
		a.Close()
		return err
	}
	coord.RegisterWithPhase("workers", pool, shutdown.PhaseWorkers)
	a.register(coord)
	coord.HandleSignals()

	runErr := make(chan error, 1)
	go func() { runErr <- pool.Run(ctx) }()

	select {
	case err := <-runErr:
		// Run only returns early on a subscription failure or a canceled
		// parent context.
		if shutdownErr := coord.ShutdownWithTimeout(0); err == nil {
			err = shutdownErr
		}
		return err
	case <-coord.Done():
		if err := <-runErr; err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return coord.Err()
	}
}

func buildPool(ctx context.Context, a *app) (*worker.Pool, error) {
	id := a.cfg.Worker.ID
	if workerID != "" {
		id = workerID
	}
	if id == "" {
		id = "worker-" + uuid.NewString()[:8]
	}
	concurrency := a.cfg.Worker.Concurrency
	if workerConcurrency > 0 {
		concurrency = workerConcurrency
	}

	orch, err := a.orchestrator(ctx, nil)
	if err != nil {
		return nil, err
	}

	sender, err := heartbeat.NewSender(heartbeat.SenderConfig{
		Bus:      a.bus,
		WorkerID: id,
		Interval: a.cfg.Heartbeat.Interval,
	})
	if err != nil {
		return nil, fmt.Errorf("heartbeat: %w", err)
	}

	return worker.New(worker.Config{
		Tasks:        a.tasks,
		Driver:       orch,
		Bus:          a.bus,
		Heartbeat:    sender,
		WorkerID:     id,
		Concurrency:  concurrency,
		LeaseTTL:     a.cfg.Worker.LeaseTTL,
		PollInterval: a.cfg.Worker.PollInterval,
		Logger:       a.logger,
	})
}
