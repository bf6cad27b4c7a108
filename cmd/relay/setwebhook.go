package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/stupiduntilnot/chatrelay/internal/config"
	"github.com/stupiduntilnot/chatrelay/internal/telegram"
)

func newSetWebhookCmd() *cobra.Command {
	var dropPending bool
	cmd := &cobra.Command{
		Use:   "set-webhook",
		Short: "Point the bot's webhook at RELAY_PUBLIC_URL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadRelayConfig()
			if err != nil {
				return err
			}
			if cfg.Notifier != config.NotifierTelegram {
				return fmt.Errorf("set-webhook needs RELAY_NOTIFIER=%s", config.NotifierTelegram)
			}
			url := cfg.WebhookURL()
			if url == "" {
				return fmt.Errorf("RELAY_PUBLIC_URL is required to set the webhook")
			}
			client := telegram.NewClient(cfg.TelegramAPIBase, time.Duration(cfg.TelegramTimeout)*time.Second)
			if err := client.SetWebhook(cmd.Context(), url, dropPending); err != nil {
				return fmt.Errorf("setWebhook: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "webhook set to %s\n", url)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dropPending, "drop-pending", false, "discard updates queued while no webhook was set")
	return cmd
}
