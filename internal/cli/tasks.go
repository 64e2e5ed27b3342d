package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	taskerrors "github.com/vinayprograms/taskdispatch/errors"
	"github.com/vinayprograms/taskdispatch/tasks"
)

var (
	submitID      string
	submitWait    bool
	submitTimeout time.Duration
)

var submitCmd = &cobra.Command{
	Use:   "submit TEXT",
	Short: "Submit a request as a new task",
	Long: `Submit stores TEXT as a pending task and notifies workers. With --id the
submission is idempotent: resubmitting an id returns the stored task without
running it again. With --wait the command blocks until the task finishes.`,
	Example: `  dispatch submit "Read file go.mod" --wait
  dispatch submit "What time is it?" --id clock-1`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

var statusCmd = &cobra.Command{
	Use:   "status [ID]",
	Short: "Show a task, or list all tasks",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

var recordsCmd = &cobra.Command{
	Use:   "records ID",
	Short: "Show the execution records of a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runRecords,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel ID",
	Short: "Request cancellation of a task",
	Long: `Cancel fails a pending task immediately. A task that a worker is already
driving fails with CANCELED at its next checkpoint. Finished tasks are left
as they are.`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

func init() {
	submitCmd.Flags().StringVar(&submitID, "id", "", "task id; reusing an id returns the existing task")
	submitCmd.Flags().BoolVarP(&submitWait, "wait", "w", false, "wait for the task to finish and print its result")
	submitCmd.Flags().DurationVar(&submitTimeout, "timeout", 5*time.Minute, "how long --wait waits")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	c, err := a.client()
	if err != nil {
		return err
	}
	h, err := c.Submit(ctx, args[0], submitID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if h.Created {
		fmt.Fprintf(out, "Submitted %s\n", titleStyle.Render(h.TaskID))
	} else {
		fmt.Fprintf(out, "Task %s already exists (%s)\n", titleStyle.Render(h.TaskID), styleStatus(h.Status))
	}
	if !submitWait {
		return nil
	}

	result, err := c.Await(ctx, h.TaskID, submitTimeout)
	if err != nil {
		fmt.Fprintln(out, errorStyle.Render(formatError(err)))
		return err
	}
	fmt.Fprintln(out, resultBoxStyle.Render(result))
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	if len(args) == 1 {
		t, err := a.tasks.Get(ctx, args[0])
		if err != nil {
			return fmt.Errorf("task %s: %w", args[0], err)
		}
		writeTask(out, t)
		return nil
	}

	list, err := a.tasks.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list tasks: %w", err)
	}
	if len(list) == 0 {
		fmt.Fprintln(out, "No tasks.")
		return nil
	}
	return writeTaskList(out, time.Now(), list)
}

func runRecords(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	records, err := a.tasks.Records(ctx, args[0])
	if err != nil {
		return fmt.Errorf("task %s: %w", args[0], err)
	}
	if len(records) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No attempts yet.")
		return nil
	}
	return writeRecords(cmd.OutOrStdout(), records)
}

func runCancel(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	c, err := a.client()
	if err != nil {
		return err
	}
	t, err := c.Cancel(ctx, args[0])
	if err != nil {
		return fmt.Errorf("cancel %s: %w", args[0], err)
	}

	out := cmd.OutOrStdout()
	switch {
	case t.Status == tasks.StatusFailed && taskerrors.Code(t.Error) == taskerrors.ErrCodeCanceled:
		fmt.Fprintf(out, "Task %s %s\n", t.ID, errorStyle.Render("canceled"))
	case t.Status.IsTerminal():
		fmt.Fprintf(out, "Task %s already %s\n", t.ID, styleStatus(t.Status))
	default:
		fmt.Fprintf(out, "Cancellation requested for %s (%s)\n", t.ID, styleStatus(t.Status))
	}
	return nil
}
