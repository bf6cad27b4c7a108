package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "relay",
		Short: "Telegram webhook relay that summarizes recent chat",
		Long: `relay receives Telegram webhook updates, keeps the last messages of each
conversation in memory, and answers /summary, /activity and /quote with
text from a chat completions backend.

Configuration is read from the environment, optionally layered over the
YAML file named by RELAY_CONFIG_FILE.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
	root.AddCommand(newServeCmd(), newSetWebhookCmd(), newEventsCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
