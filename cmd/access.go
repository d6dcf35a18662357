package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/ledger-sync/internal/model"
)

var accessCmd = &cobra.Command{
	Use:   "access",
	Short: "Manage customer accesses",
}

var accessRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a customer's credentials at a financial entity",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := accessFromFlags(cmd)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		st, err := initStore(ctx, "access")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		id, err := st.RegisterAccess(ctx, a)
		if err != nil {
			return eris.Wrap(err, "access register")
		}
		fmt.Printf("Registered access %d (customer %d, %s).\n", id, a.CustomerID, a.FinancialEntityID)
		return nil
	},
}

func accessFromFlags(cmd *cobra.Command) (model.Access, error) {
	customer, _ := cmd.Flags().GetInt64("customer")
	entity, _ := cmd.Flags().GetString("entity")
	creds, _ := cmd.Flags().GetString("credentials")
	disabled, _ := cmd.Flags().GetBool("disabled")

	a := model.Access{
		CustomerID:        customer,
		FinancialEntityID: entity,
		CredentialsRef:    creds,
		Enabled:           !disabled,
	}
	switch {
	case a.CustomerID <= 0:
		return a, eris.New("access register: --customer is required")
	case a.FinancialEntityID == "":
		return a, eris.New("access register: --entity is required")
	case a.CredentialsRef == "":
		return a, eris.New("access register: --credentials is required")
	}
	return a, nil
}

func addAccessFlags(cmd *cobra.Command) {
	cmd.Flags().Int64("customer", 0, "customer id")
	cmd.Flags().String("entity", "", "financial entity id")
	cmd.Flags().String("credentials", "", "opaque credentials reference")
	cmd.Flags().Bool("disabled", false, "register the access disabled")
}

func init() {
	addAccessFlags(accessRegisterCmd)
	accessCmd.AddCommand(accessRegisterCmd)
	rootCmd.AddCommand(accessCmd)
}
