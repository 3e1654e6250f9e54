package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"dossier/internal/notifications"
)

func newTestNotifyCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "test-notify",
		Short: "Send a test notification",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if cfg.Notifications.NtfyTopic == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "Notifications disabled (notifications.ntfy_topic is empty)")
				return nil
			}
			err = notifications.NewService(cfg).Notify(cmd.Context(), notifications.Note{
				Title:    "Dossier - Test",
				Message:  "Notification system test",
				Tags:     []string{"dossier", "test"},
				Priority: "low",
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Test notification sent")
			return nil
		},
	}
}
