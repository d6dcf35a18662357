package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/ledger-sync/internal/model"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show access run state and accounts flagged for integrity",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx, "status")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		states, err := st.ListAccessStates(ctx)
		if err != nil {
			return eris.Wrap(err, "status")
		}
		flagged, err := st.ListFlaggedAccounts(ctx)
		if err != nil {
			return eris.Wrap(err, "status")
		}

		if len(states) == 0 {
			fmt.Fprintln(os.Stderr, "No accesses registered.")
			return nil
		}
		formatAccessStates(os.Stdout, states, time.Now(), cfg.Scheduler.MaxRunDuration())
		if len(flagged) > 0 {
			fmt.Fprintln(os.Stdout)
			formatFlagged(os.Stdout, flagged)
		}
		return nil
	},
}

func formatAccessStates(out io.Writer, states []model.AccessState, now time.Time, maxRun time.Duration) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ACCESS\tCUSTOMER\tENTITY\tSTATE\tLAST_RESULT\tLAST_FINISHED\tLAST_SUCCESS")
	_, _ = fmt.Fprintln(w, "------\t--------\t------\t-----\t-----------\t-------------\t------------")

	for _, s := range states {
		_, _ = fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%s\t%s\n",
			s.AccessID,
			s.CustomerID,
			s.FinancialEntityID,
			runLabel(s, now, maxRun),
			orDash(string(s.LastResultCode)),
			formatTimePtr(s.LastFinishedAt),
			formatTimePtr(s.LastSuccessAt),
		)
	}
	_ = w.Flush()
}

func runLabel(s model.AccessState, now time.Time, maxRun time.Duration) string {
	switch {
	case !s.Enabled:
		return "disabled"
	case s.Stale(now, maxRun):
		return "stale"
	case s.InProgress:
		return "running"
	case s.LastResultCode.Blocking():
		return "blocked"
	default:
		return "idle"
	}
}

func formatFlagged(out io.Writer, accounts []model.Account) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "FLAGGED ACCOUNT\tACCESS\tEXTERNAL_ID\tBALANCE\tDELTA")
	_, _ = fmt.Fprintln(w, "---------------\t------\t-----------\t-------\t-----")
	for _, a := range accounts {
		_, _ = fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\n",
			a.ID, a.AccessID, a.ExternalID, a.Balance.String(), a.IntegrityDelta.String())
	}
	_ = w.Flush()
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
