package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/taskdispatch/heartbeat"
)

var workersListen time.Duration

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "List workers heard on the bus",
	Long: `Workers listens for heartbeats for a while and lists every worker heard,
with its load and the tasks it is driving. Only workers sharing a NATS bus
with this command can be seen.`,
	Args: cobra.NoArgs,
	RunE: runWorkers,
}

func init() {
	workersCmd.Flags().DurationVar(&workersListen, "listen", 0, "how long to listen (default: one heartbeat interval plus a second)")
}

func runWorkers(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	listen := workersListen
	if listen <= 0 {
		listen = a.cfg.Heartbeat.Interval + time.Second
	}

	monitor, err := heartbeat.NewMonitor(heartbeat.MonitorConfig{
		Bus:     a.bus,
		Timeout: a.cfg.Heartbeat.Timeout,
	})
	if err != nil {
		return err
	}
	if err := monitor.Start(); err != nil {
		return err
	}
	defer monitor.Stop()

	select {
	case <-time.After(listen):
	case <-ctx.Done():
		return ctx.Err()
	}

	out := cmd.OutOrStdout()
	workers := monitor.Workers()
	if len(workers) == 0 {
		fmt.Fprintln(out, "No workers heard.")
		return nil
	}
	return writeWorkers(out, time.Now(), workers, monitor.IsAlive)
}
