package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/ledger-sync/internal/model"
	"github.com/sells-group/ledger-sync/internal/reconcile"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger <account-id>",
	Short: "Print an account's ledger with renewal chains and replayed balance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return eris.Wrapf(err, "ledger: invalid account id %q", args[0])
		}

		ctx := cmd.Context()
		st, err := initStore(ctx, "ledger")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		acct, err := st.GetAccount(ctx, id)
		if err != nil {
			return eris.Wrap(err, "ledger")
		}
		rows, err := st.LedgerRows(ctx, id)
		if err != nil {
			return eris.Wrap(err, "ledger")
		}

		all, _ := cmd.Flags().GetBool("all")
		formatLedger(os.Stdout, *acct, rows, all)
		return nil
	},
}

// formatLedger prints rows in replay order. Superseded rows are hidden
// unless all is set; renewed rows show their chain back to the original.
func formatLedger(out io.Writer, acct model.Account, rows []model.TransactionRecord, all bool) {
	superseded := make(map[int64]bool)
	for _, r := range rows {
		if r.RenewsID != nil {
			superseded[*r.RenewsID] = true
		}
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tDATE\tAMOUNT\tDESCRIPTION\tCHAIN")
	_, _ = fmt.Fprintln(w, "--\t----\t------\t-----------\t-----")
	for _, r := range reconcile.SortLedger(rows) {
		if superseded[r.ID] && !all {
			continue
		}
		chain := ""
		if r.RenewsID != nil || superseded[r.ID] {
			ids := reconcile.RenewalChain(rows, r.ID)
			parts := make([]string, len(ids))
			for i, id := range ids {
				parts[i] = strconv.FormatInt(id, 10)
			}
			chain = strings.Join(parts, " -> ")
		}
		desc := r.Description
		if r.Synthetic {
			desc += " [synthetic]"
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			r.ID, r.OperationDate.Format("2006-01-02"), r.Amount.String(), truncate(desc, 40), chain)
	}
	_ = w.Flush()

	replayed := reconcile.Replay(acct.OpeningBalance, rows)
	_, _ = fmt.Fprintf(out, "\nOpening %s + ledger = %s; scraped balance %s",
		acct.OpeningBalance.String(), replayed.String(), acct.Balance.String())
	if acct.IntegrityError {
		_, _ = fmt.Fprintf(out, " (INTEGRITY ERROR, delta %s)", acct.IntegrityDelta.String())
	}
	_, _ = fmt.Fprintln(out)
}

func init() {
	ledgerCmd.Flags().Bool("all", false, "include rows superseded by a renewal")
	rootCmd.AddCommand(ledgerCmd)
}
