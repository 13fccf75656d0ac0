// Package cli implements the engine's commands: the HTTP server and a few
// operator commands that work directly against the configured stores.
package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var cfg = DefaultConfig()

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:           "engine",
	Short:         "Inbound message queue and usage metering engine",
	Long:          "Accepts provider webhooks into a durable queue, dispatches them to the workflow engine and meters the usage they produce.",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	cfg.BindFlags(RootCmd.PersistentFlags())
}

// openApp wires the components for one command run. Logs go to stderr so
// command output on stdout stays machine readable.
func openApp(cmd *cobra.Command) (*App, error) {
	log, err := newLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	return buildApp(cmd.Context(), cfg, log)
}

func printJSON(cmd *cobra.Command, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(b))
	return err
}
