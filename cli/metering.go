package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/warp/inbound-engine/metering"
)

func init() {
	reconcile := &cobra.Command{
		Use:   "reconcile <user-id>...",
		Short: "Compare cached balances with the ledger and repair drift",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runReconcile,
	}

	quote := &cobra.Command{
		Use:   "quote <kind> <amount>",
		Short: "Print the credit cost of an amount of usage",
		Args:  cobra.ExactArgs(2),
		RunE:  runQuote,
	}

	RootCmd.AddCommand(reconcile, quote)
}

func runReconcile(cmd *cobra.Command, args []string) error {
	app, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	out := make([]metering.Reconciliation, 0, len(args))
	for _, id := range args {
		rec, err := app.Metering.Reconcile(cmd.Context(), metering.UserID(id))
		if err != nil {
			return fmt.Errorf("reconcile %s: %w", id, err)
		}
		if rec.Repaired {
			app.Log.Warn().Str("user_id", id).Int64("drift", rec.Drift).Msg("balance repaired")
		}
		out = append(out, rec)
	}
	return printJSON(cmd, out)
}

// runQuote needs only the pricing table, so it does not open any store.
func runQuote(cmd *cobra.Command, args []string) error {
	amount, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", args[1], err)
	}

	pricing := metering.DefaultPricing()
	if cfg.PricingFile != "" {
		if pricing, err = loadPricingFile(cfg.PricingFile); err != nil {
			return err
		}
	}

	kind := metering.UsageKind(args[0])
	cost, err := pricing.Quote(kind, amount)
	if err != nil {
		return err
	}
	return printJSON(cmd, struct {
		Kind   metering.UsageKind `json:"kind"`
		Amount int64              `json:"amount"`
		Cost   int64              `json:"cost"`
	}{kind, amount, cost})
}
