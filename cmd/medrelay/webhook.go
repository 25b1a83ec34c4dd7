package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ap-development/medrelay/internal/config"
	"github.com/ap-development/medrelay/internal/transport/telegram"
)

func newWebhookCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webhook",
		Short: "Manage the Telegram webhook registration",
		Long:  "Registers, removes, or inspects the Telegram webhook. Webhook mode also needs the admin HTTP server running to receive the updates.",
	}

	cmd.AddCommand(newWebhookSetCmd())
	cmd.AddCommand(newWebhookDeleteCmd())
	cmd.AddCommand(newWebhookInfoCmd())
	return cmd
}

func newWebhookSetCmd() *cobra.Command {
	var (
		configPath string
		url        string
	)

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Register the webhook with Telegram",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if url == "" {
				url = cfg.Telegram.WebhookURL
			}
			if url == "" {
				return fmt.Errorf("webhook: no URL given (set telegram.webhook_url or pass --url)")
			}
			tg, err := webhookAdapter(cfg)
			if err != nil {
				return err
			}
			ctx, cancel := webhookCtx()
			defer cancel()
			if err := tg.SetWebhook(ctx, url, cfg.Telegram.WebhookSecret); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Webhook set to %s\n", url)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "medrelay.yaml", "path to medrelay config file")
	cmd.Flags().StringVar(&url, "url", "", "webhook URL (default: telegram.webhook_url from config)")
	return cmd
}

func newWebhookDeleteCmd() *cobra.Command {
	var (
		configPath  string
		dropPending bool
	)

	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Remove the webhook registration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			tg, err := webhookAdapter(cfg)
			if err != nil {
				return err
			}
			ctx, cancel := webhookCtx()
			defer cancel()
			if err := tg.DeleteWebhook(ctx, dropPending); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Webhook deleted")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "medrelay.yaml", "path to medrelay config file")
	cmd.Flags().BoolVar(&dropPending, "drop-pending", false, "also drop pending updates")
	return cmd
}

func newWebhookInfoCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show the current webhook registration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			tg, err := webhookAdapter(cfg)
			if err != nil {
				return err
			}
			ctx, cancel := webhookCtx()
			defer cancel()
			info, err := tg.GetWebhookInfo(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if info.URL == "" {
				fmt.Fprintln(out, "No webhook registered")
				return nil
			}
			fmt.Fprintf(out, "URL:             %s\n", info.URL)
			fmt.Fprintf(out, "Pending updates: %d\n", info.PendingUpdateCount)
			if info.LastErrorMessage != "" {
				fmt.Fprintf(out, "Last error:      %s (%s)\n",
					info.LastErrorMessage, time.Unix(info.LastErrorDate, 0).Format(time.RFC3339))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "medrelay.yaml", "path to medrelay config file")
	return cmd
}

// webhookAdapter builds a telegram adapter for one-shot API calls, without
// connecting or listening.
func webhookAdapter(cfg *config.Config) (*telegram.Adapter, error) {
	return telegram.New(telegram.Opts{
		Token:   cfg.Telegram.Token,
		Mode:    cfg.Telegram.Mode,
		BaseURL: cfg.Telegram.APIBaseURL,
	})
}

func webhookCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}
