package cli

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	taskerrors "github.com/vinayprograms/taskdispatch/errors"
	"github.com/vinayprograms/taskdispatch/heartbeat"
	"github.com/vinayprograms/taskdispatch/history"
	"github.com/vinayprograms/taskdispatch/tasks"
)

// styleStatus colors a task status for the terminal.
func styleStatus(s tasks.TaskStatus) string {
	switch s {
	case tasks.StatusCompleted:
		return successStyle.Render(string(s))
	case tasks.StatusFailed:
		return errorStyle.Render(string(s))
	case tasks.StatusPending:
		return subtleStyle.Render(string(s))
	default:
		return activeStyle.Render(string(s))
	}
}

// formatAge returns a human-readable relative time string.
func formatAge(now, t time.Time) string {
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours())/24)
	}
}

// truncate shortens s to n runes on one line.
func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}

// truncateLines keeps the first n lines of s.
func truncateLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) <= n {
		return strings.Join(lines, "\n")
	}
	more := len(lines) - n
	return strings.Join(lines[:n], "\n") + "\n" + subtleStyle.Render(fmt.Sprintf("... %d more lines", more))
}

// formatError renders a task error as "CODE: message".
func formatError(err error) string {
	var te *taskerrors.Error
	if errors.As(err, &te) {
		return fmt.Sprintf("%s: %s", te.Code(), te.Message())
	}
	return err.Error()
}

func writeTask(w io.Writer, t *tasks.Task) {
	fmt.Fprintln(w, titleStyle.Render("Task "+t.ID))
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Request:\t%s\n", t.RawText)
	fmt.Fprintf(tw, "Status:\t%s\n", styleStatus(t.Status))
	if t.Intent != "" {
		fmt.Fprintf(tw, "Intent:\t%s\n", t.Intent)
	}
	for _, k := range sortedKeys(t.Params) {
		fmt.Fprintf(tw, "  %s:\t%s\n", k, t.Params[k])
	}
	fmt.Fprintf(tw, "Attempts:\t%d\n", t.AttemptCount)
	if t.ClaimedBy != "" {
		fmt.Fprintf(tw, "Worker:\t%s\n", t.ClaimedBy)
	}
	if t.CancelRequested && !t.Status.IsTerminal() {
		fmt.Fprintf(tw, "Cancel:\t%s\n", "requested")
	}
	fmt.Fprintf(tw, "Created:\t%s\n", t.CreatedAt.Format(time.RFC3339))
	if t.CompletedAt != nil {
		fmt.Fprintf(tw, "Finished:\t%s\n", t.CompletedAt.Format(time.RFC3339))
	}
	if t.Error != nil {
		fmt.Fprintf(tw, "Error:\t%s\n", errorStyle.Render(formatError(t.Error)))
	}
	tw.Flush()

	if t.Status == tasks.StatusCompleted {
		fmt.Fprintln(w, resultBoxStyle.Render(t.Result))
	}
}

func writeTaskList(w io.Writer, now time.Time, list []*tasks.Task) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tINTENT\tATTEMPTS\tREQUEST\tUPDATED")
	for _, t := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			t.ID,
			t.Status,
			orDash(string(t.Intent)),
			t.AttemptCount,
			truncate(t.RawText, 40),
			formatAge(now, t.UpdatedAt),
		)
	}
	return tw.Flush()
}

func writeRecords(w io.Writer, records []tasks.ExecutionRecord) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ATTEMPT\tINTENT\tWORKER\tSTARTED\tDURATION\tOUTCOME\tERROR")
	for _, r := range records {
		outcome := string(r.Outcome)
		duration := "-"
		if r.Finished() {
			duration = r.Duration().Round(time.Millisecond).String()
		} else {
			outcome = "running"
		}
		errText := "-"
		if r.ErrorCode != "" {
			errText = truncate(fmt.Sprintf("%s: %s", r.ErrorCode, r.ErrorDetail), 60)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Attempt,
			r.Intent,
			r.WorkerID,
			r.StartedAt.Format(time.RFC3339),
			duration,
			outcome,
			errText,
		)
	}
	return tw.Flush()
}

func writeHits(w io.Writer, hits []history.Hit) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tINTENT\tREQUEST\tOUTCOME\tFINISHED")
	for _, h := range hits {
		out := h.Result
		if h.Status == string(tasks.StatusFailed) {
			out = h.ErrorCode + ": " + h.ErrorMessage
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			h.TaskID,
			h.Status,
			orDash(h.Intent),
			truncate(h.Text, 30),
			truncate(out, 50),
			h.CompletedAt.Format(time.RFC3339),
		)
	}
	return tw.Flush()
}

func writeWorkers(w io.Writer, now time.Time, workers []heartbeat.Heartbeat, alive func(string) bool) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "WORKER\tSTATUS\tLOAD\tTASKS\tLAST SEEN")
	for _, hb := range workers {
		status := hb.Status
		if !alive(hb.WorkerID) {
			status = "dead"
		}
		fmt.Fprintf(tw, "%s\t%s\t%.0f%%\t%s\t%s\n",
			hb.WorkerID,
			status,
			hb.Load*100,
			orDash(strings.Join(hb.Tasks, ",")),
			formatAge(now, hb.Timestamp),
		)
	}
	return tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
