package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/taskdispatch/history"
	"github.com/vinayprograms/taskdispatch/shutdown"
	"github.com/vinayprograms/taskdispatch/worker"
)

// demoRequest is one request the demo submits.
type demoRequest struct {
	id   string
	text string
}

var demoRequests = []demoRequest{
	{id: "agent-task-1", text: "Read file requirements.txt"},
	{id: "agent-task-2", text: "List files"},
	{id: "agent-task-3", text: "What time is it?"},
	{id: "agent-task-4", text: "What is machine learning?"},
}

var demoTimeout time.Duration

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run four sample requests through an in-process worker",
	Long: `Demo starts a worker in this process, submits one request of each kind
(read a file, list files, tell the time, ask the model) and prints each
result as it finishes. The ids are fixed, so with a durable store a second
run returns the stored results without executing anything.`,
	Args: cobra.NoArgs,
	RunE: runDemo,
}

func init() {
	demoCmd.Flags().DurationVar(&demoTimeout, "timeout", 3*time.Minute, "how long to wait for each task")
}

func runDemo(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}

	idx, err := history.Open("")
	if err != nil {
		a.Close()
		return err
	}
	orch, err := a.orchestrator(ctx, idx)
	if err != nil {
		idx.Close()
		a.Close()
		return err
	}
	pool, err := worker.New(worker.Config{
		Tasks:        a.tasks,
		Driver:       orch,
		Bus:          a.bus,
		WorkerID:     "demo",
		Concurrency:  len(demoRequests),
		LeaseTTL:     a.cfg.Worker.LeaseTTL,
		PollInterval: a.cfg.Worker.PollInterval,
		Logger:       a.logger,
	})
	if err != nil {
		idx.Close()
		a.Close()
		return err
	}

	coord := shutdown.NewCoordinator(shutdown.Config{
		Timeout:         a.cfg.Worker.ShutdownTimeout,
		ContinueOnError: true,
	}, a.logger)
	coord.RegisterWithPhase("workers", pool, shutdown.PhaseWorkers)
	coord.RegisterWithPhase("history", shutdown.CloserFunc(idx.Close), shutdown.PhaseFlush)
	a.register(coord)
	defer coord.ShutdownWithTimeout(0)

	go pool.Run(ctx)

	c, err := a.client()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, titleStyle.Render("Submitting sample tasks"))
	for _, r := range demoRequests {
		h, err := c.Submit(ctx, r.text, r.id)
		if err != nil {
			return err
		}
		note := ""
		if !h.Created {
			note = subtleStyle.Render(" (already " + string(h.Status) + ")")
		}
		fmt.Fprintf(out, "  %s  %s%s\n", h.TaskID, r.text, note)
	}
	fmt.Fprintln(out)

	failed := 0
	for _, r := range demoRequests {
		result, err := c.Await(ctx, r.id, demoTimeout)
		fmt.Fprintf(out, "%s %s\n", titleStyle.Render(r.id), subtleStyle.Render(r.text))
		if err != nil {
			failed++
			fmt.Fprintln(out, errorStyle.Render(formatError(err)))
		} else {
			fmt.Fprintln(out, resultBoxStyle.Render(truncateLines(result, 20)))
		}
		fmt.Fprintln(out)
	}

	if n, err := idx.Count(); err == nil {
		fmt.Fprintln(out, subtleStyle.Render(fmt.Sprintf("%d tasks indexed for search", n)))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d tasks failed", failed, len(demoRequests))
	}
	fmt.Fprintln(out, successStyle.Render("All tasks completed"))
	return nil
}
