package main

import (
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/ledger-sync/internal/adapter"
	"github.com/sells-group/ledger-sync/internal/monitoring"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run scheduling cycles on a cron schedule with background health checks",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx, "watch")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		sched, closeFn, err := newScheduler(st, cfg, adapter.ModeOnline)
		if err != nil {
			return err
		}
		defer closeFn()

		schedule := cfg.Watch.Schedule
		if s, _ := cmd.Flags().GetString("schedule"); s != "" {
			schedule = s
		}
		c, id, err := newCron(schedule, func() { runCycle(ctx, sched) })
		if err != nil {
			return err
		}

		checker := monitoring.NewChecker(
			monitoring.NewCollector(st, cfg.Scheduler.MaxRunDuration()),
			monitoring.NewAlerter(cfg.Monitoring),
			cfg.Monitoring,
		)
		go checker.Run(ctx)

		c.Start()
		zap.L().Info("watch started", zap.String("schedule", schedule))
		if now, _ := cmd.Flags().GetBool("now"); now {
			runNow(c, id)
		}

		<-ctx.Done()
		zap.L().Info("watch stopping, waiting for the running cycle")
		<-c.Stop().Done()
		return nil
	},
}

// newCron registers one scheduling cycle per tick. A tick that fires while
// the previous cycle is still running is skipped.
func newCron(schedule string, cycle func()) (*cron.Cron, cron.EntryID, error) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	id, err := c.AddFunc(schedule, cycle)
	if err != nil {
		return nil, 0, eris.Wrapf(err, "watch: invalid schedule %q", schedule)
	}
	return c, id, nil
}

// runNow runs the entry's cycle immediately through the cron chain, so a
// tick that fires meanwhile is skipped instead of overlapping it.
func runNow(c *cron.Cron, id cron.EntryID) {
	c.Entry(id).WrappedJob.Run()
}

func init() {
	watchCmd.Flags().String("schedule", "", "cron schedule (default from config)")
	watchCmd.Flags().Bool("now", false, "run one cycle immediately on start")
	rootCmd.AddCommand(watchCmd)
}
