package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/ledger-sync/internal/adapter"
	"github.com/sells-group/ledger-sync/internal/adapter/httpsource"
	"github.com/sells-group/ledger-sync/internal/adapter/protocol"
	"github.com/sells-group/ledger-sync/internal/adapter/statement"
	"github.com/sells-group/ledger-sync/internal/config"
	"github.com/sells-group/ledger-sync/internal/events"
	"github.com/sells-group/ledger-sync/internal/model"
	"github.com/sells-group/ledger-sync/internal/monitoring"
	"github.com/sells-group/ledger-sync/internal/resilience"
	"github.com/sells-group/ledger-sync/internal/scheduler"
	"github.com/sells-group/ledger-sync/internal/store"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one scheduling cycle",
	Long: "Scrapes the selected accesses and reconciles every returned account into the ledger.\n" +
		"Modes: all (every eligible customer), customer (one customer, optionally narrowed\n" +
		"with --accesses) and accesses (the listed accesses across customers).",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		req, err := syncRequest(cmd)
		if err != nil {
			return err
		}
		source, _ := cmd.Flags().GetString("source")

		st, err := initStore(ctx, "sync")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		sched, closeFn, err := newScheduler(st, cfg, adapter.Mode(source))
		if err != nil {
			return err
		}
		defer closeFn()

		sum := sched.Run(ctx, req)
		if sum.Err != nil {
			return eris.Wrap(sum.Err, "sync")
		}
		if len(sum.Outcomes) == 0 {
			fmt.Fprintln(os.Stderr, "No eligible accesses.")
			return nil
		}
		formatSummary(os.Stdout, sum)
		return nil
	},
}

// syncRequest turns command flags into a scheduler request.
func syncRequest(cmd *cobra.Command) (scheduler.Request, error) {
	mode, _ := cmd.Flags().GetString("mode")
	customer, _ := cmd.Flags().GetInt64("customer")
	accesses, _ := cmd.Flags().GetInt64Slice("accesses")
	from, _ := cmd.Flags().GetString("from")
	force, _ := cmd.Flags().GetBool("force")

	req := scheduler.Request{
		CustomerID:     customer,
		AccessIDs:      accesses,
		ForceIntegrity: force,
	}
	switch mode {
	case "all":
		req.Mode = scheduler.AllEligibleCustomers
	case "customer":
		req.Mode = scheduler.OneCustomer
	case "accesses":
		req.Mode = scheduler.SpecificAccessesAcrossCustomers
	default:
		return req, eris.Errorf("sync: unknown mode %q (want all, customer or accesses)", mode)
	}

	if from != "" {
		t, err := time.Parse(time.DateOnly, from)
		if err != nil {
			return req, eris.Wrapf(err, "sync: parse --from %q", from)
		}
		req.DateFrom = t
	}
	return req, nil
}

// newScheduler wires a scheduler with the adapter registry for mode, the
// webhook alerter and the run event publisher. The returned func releases
// the publisher.
func newScheduler(st store.Store, c *config.Config, mode adapter.Mode) (*scheduler.Scheduler, func(), error) {
	reg, err := buildRegistry(c, mode)
	if err != nil {
		return nil, nil, err
	}
	if len(reg) == 0 {
		zap.L().Warn("no adapters configured", zap.String("source", string(mode)))
	}

	sc, err := scheduler.ConfigFrom(c, reg)
	if err != nil {
		return nil, nil, err
	}

	pub := events.New(c.Events.Brokers, c.Events.Topic)
	sched := scheduler.New(st, sc,
		scheduler.WithNotifier(monitoring.NewAlerter(c.Monitoring)),
		scheduler.WithPublisher(pub),
	)
	return sched, func() {
		if err := pub.Close(); err != nil {
			zap.L().Warn("failed to close event publisher", zap.Error(err))
		}
	}, nil
}

// buildRegistry maps each configured financial entity to its adapter.
// Online sources share one breaker set so every access of an entity trips
// the same breaker.
func buildRegistry(c *config.Config, mode adapter.Mode) (adapter.Registry, error) {
	switch mode {
	case adapter.ModeStatement:
		return statement.Registry(c.Statements.Dir, c.Statements.Entities), nil
	case adapter.ModeOnline, "":
		breakers := resilience.NewBreakers(resilience.DefaultBreakerConfig())
		reg := adapter.Registry{}
		for entity, sc := range c.Sources {
			client, err := protocol.NewClient(protocol.Config{
				Source:    entity,
				BaseURL:   sc.BaseURL,
				RateLimit: sc.RateLimit,
				Timeout:   time.Duration(sc.TimeoutS) * time.Second,
			}, breakers)
			if err != nil {
				return nil, err
			}
			reg = reg.With(entity, httpsource.New(entity, client, sc.PageSize))
		}
		return reg, nil
	default:
		return nil, eris.Errorf("sync: unknown source %q (want online or statement)", mode)
	}
}

func formatSummary(out io.Writer, sum scheduler.Summary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "CUSTOMER\tACCESS\tCODE\tACCOUNTS\tINSERTED\tRENEWED\tERROR")
	_, _ = fmt.Fprintln(w, "--------\t------\t----\t--------\t--------\t-------\t-----")
	for _, o := range sum.Outcomes {
		inserted, renewed := 0, 0
		for _, a := range o.Accounts {
			inserted += a.Inserted
			renewed += a.Renewed
		}
		errText := ""
		if o.Err != nil {
			errText = truncate(o.Err.Error(), 60)
		}
		_, _ = fmt.Fprintf(w, "%d\t%d\t%s\t%d\t%d\t%d\t%s\n",
			o.CustomerID, o.AccessID, o.Code, len(o.Accounts), inserted, renewed, errText)
	}
	_ = w.Flush()

	codes := sum.Codes()
	keys := make([]string, 0, len(codes))
	for c := range codes {
		keys = append(keys, string(c))
	}
	slices.Sort(keys)
	_, _ = fmt.Fprintf(out, "\n%d access(es) in %s:", len(sum.Outcomes), sum.FinishedAt.Sub(sum.StartedAt).Round(time.Millisecond))
	for _, k := range keys {
		_, _ = fmt.Fprintf(out, " %s=%d", k, codes[model.ResultCode(k)])
	}
	_, _ = fmt.Fprintln(out)
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}

// runCycle runs one full cycle, used by watch.
func runCycle(ctx context.Context, sched *scheduler.Scheduler) {
	sum := sched.Run(ctx, scheduler.Request{Mode: scheduler.AllEligibleCustomers})
	if sum.Err != nil {
		zap.L().Error("scheduling cycle failed", zap.Error(sum.Err))
	}
}

func addSyncFlags(cmd *cobra.Command) {
	cmd.Flags().String("mode", "all", "scheduling mode: all, customer or accesses")
	cmd.Flags().Int64("customer", 0, "customer id (customer mode)")
	cmd.Flags().Int64Slice("accesses", nil, "access ids (accesses mode, or to narrow customer mode)")
	cmd.Flags().String("from", "", "scrape from this date (YYYY-MM-DD) instead of the incremental window")
	cmd.Flags().Bool("force", false, "reconcile accounts flagged with a balance surplus")
	cmd.Flags().String("source", string(adapter.ModeOnline), "adapter source: online or statement")
}

func init() {
	addSyncFlags(syncCmd)
	rootCmd.AddCommand(syncCmd)
}
