package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	status := &cobra.Command{
		Use:   "status",
		Short: "Show queue depth and dead-letter count",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}

	sweep := &cobra.Command{
		Use:   "sweep",
		Short: "Reclaim abandoned claims and purge old acked entries once",
		Args:  cobra.NoArgs,
		RunE:  runSweep,
	}

	RootCmd.AddCommand(status, sweep)
}

func runStatus(cmd *cobra.Command, args []string) error {
	app, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	h, err := app.Queue.Health(cmd.Context())
	if err != nil {
		return err
	}
	return printJSON(cmd, h)
}

func runSweep(cmd *cobra.Command, args []string) error {
	app, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	sweep, err := app.Janitor.RunNow(cmd.Context())
	if err != nil {
		return err
	}
	return printJSON(cmd, sweep)
}
