package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kiteflow/credit-engine/credit"
)

func init() {
	rootCmd.AddCommand(balanceCmd)
	balanceCmd.Flags().String("customer", "", "Print every balance of this customer")
}

var balanceCmd = &cobra.Command{
	Use:   "balance [CREDIT_ID]",
	Short: "Print credit balances",
	Long:  `Recompute and print total, used and available for one credit or for all credits of a customer.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runBalance,
}

func runBalance(cmd *cobra.Command, args []string) error {
	customer, _ := cmd.Flags().GetString("customer")
	if (len(args) == 0) == (customer == "") {
		return errors.New("give either a credit id or --customer")
	}

	b, err := openBackend(cfg, log)
	if err != nil {
		return err
	}
	defer b.Close()

	ledger := credit.NewLedger(b.Store, log)
	ctx := cmd.Context()

	var balances []credit.Balance
	if customer != "" {
		balances, err = ledger.CustomerBalances(ctx, credit.CustomerID(customer))
	} else {
		var one credit.Balance
		one, err = ledger.ComputeBalance(ctx, credit.CreditID(args[0]))
		balances = []credit.Balance{one}
	}
	if err != nil {
		return err
	}
	return printBalances(cmd.OutOrStdout(), balances)
}

func printBalances(w io.Writer, balances []credit.Balance) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CREDIT\tCUSTOMER\tSERVICE\tUNIT\tTOTAL\tUSED\tAVAILABLE\t")
	for _, b := range balances {
		flag := ""
		if b.Negative() {
			flag = "NEGATIVE"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			b.CreditID, b.CustomerID, b.ServiceID, b.Unit,
			b.Total.Value, b.Used.Value, b.Available.Value, flag)
	}
	return tw.Flush()
}
