package cli

import (
	"github.com/spf13/cobra"
	"github.com/warp/inbound-engine/queue"
)

func init() {
	cmd := &cobra.Command{
		Use:   "dead-letter",
		Short: "Inspect or requeue dead-lettered messages",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered messages, oldest first",
		Args:  cobra.NoArgs,
		RunE:  runDeadLetterList,
	}
	list.Flags().IntP("limit", "l", 50, "Maximum entries to show")

	retry := &cobra.Command{
		Use:   "retry",
		Short: "Move every dead-lettered message back to pending",
		Args:  cobra.NoArgs,
		RunE:  runDeadLetterRetry,
	}

	cmd.AddCommand(list, retry)
	RootCmd.AddCommand(cmd)
}

func runDeadLetterList(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")

	app, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	entries, err := app.Queue.ListDeadLetter(cmd.Context(), limit)
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []queue.Entry{}
	}
	return printJSON(cmd, entries)
}

func runDeadLetterRetry(cmd *cobra.Command, args []string) error {
	app, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	n, err := app.Queue.RetryDeadLetter(cmd.Context())
	if err != nil {
		return err
	}
	return printJSON(cmd, map[string]int{"requeued": n})
}
