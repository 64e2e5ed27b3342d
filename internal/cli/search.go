package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/taskdispatch/history"
	"github.com/vinayprograms/taskdispatch/intent"
	"github.com/vinayprograms/taskdispatch/tasks"
)

var (
	searchStatus string
	searchIntent string
	searchLimit  int
)

var searchCmd = &cobra.Command{
	Use:   "search [QUERY]",
	Short: "Search finished tasks",
	Long: `Search matches QUERY against the request text, result and error message
of completed and failed tasks. Without a query it lists the most recently
finished tasks. The index is brought up to date from the task store first.`,
	Example: `  dispatch search "machine learning"
  dispatch search --status failed --intent chat`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().StringVar(&searchStatus, "status", "", "only completed or failed tasks")
	searchCmd.Flags().StringVar(&searchIntent, "intent", "", "only tasks of this intent (read_file, list_files, get_time, chat)")
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", history.DefaultLimit, "maximum results")
}

func searchQuery(args []string) (history.Query, error) {
	q := history.Query{Limit: searchLimit}
	if len(args) == 1 {
		q.Text = args[0]
	}
	switch s := tasks.TaskStatus(searchStatus); s {
	case "", tasks.StatusCompleted, tasks.StatusFailed:
		q.Status = s
	default:
		return q, fmt.Errorf("--status must be completed or failed, got %q", searchStatus)
	}
	if searchIntent != "" {
		in, err := intent.Parse(searchIntent)
		if err != nil {
			return q, err
		}
		q.Intent = string(in)
	}
	return q, nil
}

func runSearch(cmd *cobra.Command, args []string) error {
	q, err := searchQuery(args)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	idx, err := history.Open(a.cfg.History.Path)
	if err != nil {
		return err
	}
	defer idx.Close()

	if _, err := idx.Sync(ctx, a.tasks); err != nil {
		return err
	}
	hits, err := idx.Search(ctx, q)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(hits) == 0 {
		fmt.Fprintln(out, "No matching tasks.")
		return nil
	}
	return writeHits(out, hits)
}
