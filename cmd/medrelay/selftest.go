package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ap-development/medrelay/internal/assistant"
	"github.com/ap-development/medrelay/internal/config"
)

func newSelftestCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "selftest",
		Short: "Run one assistant round trip",
		Long:  "Creates a throwaway thread, sends a probe message through the configured assistant, prints the reply, and deletes the thread.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSelftest(cmd.Context(), cmd.OutOrStdout(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "medrelay.yaml", "path to medrelay config file")
	return cmd
}

func runSelftest(ctx context.Context, out io.Writer, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := assistant.NewClient(cfg.Assistant.APIKey,
		assistant.WithBaseURL(cfg.Assistant.BaseURL),
		assistant.WithHTTPClient(&http.Client{Timeout: cfg.Assistant.RequestTimeout()}),
	)
	if err != nil {
		return err
	}
	driver, err := assistant.NewDriver(client, assistant.DriverOpts{
		AssistantID: cfg.Assistant.AssistantID,
		RunDeadline: cfg.Assistant.RunDeadline(),
		PollInitial: cfg.Assistant.PollInitial(),
		PollMax:     cfg.Assistant.PollMax(),
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Probing assistant %s...\n", cfg.Assistant.AssistantID)
	res, err := assistant.NewSelftester(client, driver).Probe(ctx)
	if err != nil {
		return fmt.Errorf("selftest: %w", err)
	}

	fmt.Fprintf(out, "OK in %s\n", res.Latency.Round(time.Millisecond))
	fmt.Fprintf(out, "Reply: %s\n", res.Reply)
	return nil
}
