package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ap-development/medrelay/internal/assistant"
	"github.com/ap-development/medrelay/internal/config"
	"github.com/ap-development/medrelay/internal/crm"
	"github.com/ap-development/medrelay/internal/db"
	"github.com/ap-development/medrelay/internal/httpapi"
	"github.com/ap-development/medrelay/internal/lock"
	"github.com/ap-development/medrelay/internal/logging"
	"github.com/ap-development/medrelay/internal/relay"
	"github.com/ap-development/medrelay/internal/store"
	"github.com/ap-development/medrelay/internal/threads"
	"github.com/ap-development/medrelay/internal/transport"
	"github.com/ap-development/medrelay/internal/transport/discord"
	"github.com/ap-development/medrelay/internal/transport/slack"
	"github.com/ap-development/medrelay/internal/transport/telegram"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay daemon",
		Long:  "Connects to the configured chat platform and relays messages to the assistant, one conversation thread per chat. Also serves the admin HTTP API when configured.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "medrelay.yaml", "path to medrelay config file")
	return cmd
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logging.New(cfg.Log.Mode)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle OS signals for graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		cancel()
	}()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis at %s: %w", cfg.Redis.Addr, err)
	}

	gdb, err := db.Connect(cfg.Database)
	if err != nil {
		return err
	}
	st, err := store.New(gdb)
	if err != nil {
		return err
	}

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

	locks := lock.NewService(rdb)
	deduper := lock.NewDeduper(rdb, cfg.Relay.DedupeTTL())
	registry := threads.NewRegistry(threads.NewRedisStore(rdb), client, cfg.Maintenance.ThreadMaxAge())

	tg, adapter, err := buildAdapter(cfg, log)
	if err != nil {
		return err
	}

	daemon, err := buildDaemon(cfg, adapter, locks, registry, driver, st, deduper, log)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return daemon.Run(ctx) })

	var crmAdapter *crm.Adapter
	if cfg.CRM.Enabled {
		crmAdapter, err = crm.New(ctx, crm.Opts{
			BaseURL: cfg.CRM.BaseURL,
			ScopeID: cfg.CRM.ScopeID,
			Tokens:  crm.NewTokenSource(ctx, cfg.CRM),
			Logger:  log,
		})
		if err != nil {
			return err
		}
		// The CRM mirror is a second relay over the same locks, threads and
		// store, so a chat behaves the same on either channel.
		crmDaemon, err := buildDaemon(cfg, crmAdapter, locks, registry, driver, st, deduper, log)
		if err != nil {
			return err
		}
		g.Go(func() error { return crmDaemon.Run(ctx) })
	}

	if cfg.Admin.ListenAddr != "" {
		opts := httpapi.Opts{
			Store:      st,
			ListenAddr: cfg.Admin.ListenAddr,
			AuthToken:  cfg.Admin.AuthToken,
			Prober:     assistant.NewSelftester(client, driver),
			Logger:     log.Named("http"),
		}
		if tg != nil && cfg.Telegram.Mode == telegram.ModeWebhook {
			opts.Telegram = tg
			opts.TelegramSecret = cfg.Telegram.WebhookSecret
		}
		if crmAdapter != nil {
			opts.CRM = crmAdapter
			opts.CRMSecret = cfg.CRM.ChannelSecret
		}
		g.Go(func() error { return httpapi.Start(ctx, opts) })
	}

	log.Info("medrelay serving", "platform", cfg.Transport.Platform, "crm", cfg.CRM.Enabled)
	return g.Wait()
}

// buildAdapter constructs the platform adapter from the config. The telegram
// adapter is also returned concretely so the webhook receiver can feed it.
func buildAdapter(cfg *config.Config, log *logging.Logger) (*telegram.Adapter, transport.Adapter, error) {
	switch cfg.Transport.Platform {
	case "telegram":
		tg, err := telegram.New(telegram.Opts{
			Token:       cfg.Telegram.Token,
			Mode:        cfg.Telegram.Mode,
			BaseURL:     cfg.Telegram.APIBaseURL,
			PollTimeout: cfg.Telegram.PollTimeout(),
			Logger:      log,
		})
		if err != nil {
			return nil, nil, err
		}
		return tg, tg, nil
	case "slack":
		a, err := slack.New(slack.Opts{
			AppToken: cfg.Slack.AppToken,
			BotToken: cfg.Slack.BotToken,
			Logger:   log,
		})
		if err != nil {
			return nil, nil, err
		}
		return nil, a, nil
	case "discord":
		a, err := discord.New(discord.Opts{
			Token:  cfg.Discord.Token,
			Logger: log,
		})
		if err != nil {
			return nil, nil, err
		}
		return nil, a, nil
	default:
		return nil, nil, fmt.Errorf("serve: unsupported platform %q", cfg.Transport.Platform)
	}
}

// buildDaemon wires one relay daemon around an adapter. Serve runs one per
// active channel; they share the lock service, thread registry and store.
func buildDaemon(cfg *config.Config, adapter transport.Adapter, locks *lock.Service, registry *threads.Registry, driver *assistant.Driver, st *store.Store, deduper *lock.Deduper, log *logging.Logger) (*relay.Daemon, error) {
	orch, err := relay.NewOrchestrator(relay.OrchestratorOpts{
		Locks:    relay.WrapLocks(locks),
		Registry: registry,
		Driver:   driver,
		Sink:     st,
		Sender:   adapter,
		Policy: relay.Policy{
			Lease:           cfg.Lock.Lease(),
			LockAttempts:    cfg.Lock.AcquireAttempts,
			LockBackoff:     cfg.Lock.AcquireBackoff(),
			TurnAttempts:    cfg.Relay.TurnAttempts,
			RetryBackoff:    cfg.Relay.RetryBackoff(),
			RetryBackoffMax: cfg.Relay.RetryBackoffMax(),
		},
		Logger: log.Named("relay"),
	})
	if err != nil {
		return nil, err
	}
	return relay.New(relay.Opts{
		Adapter:      adapter,
		Orchestrator: orch,
		Registry:     registry,
		Sink:         st,
		Deduper:      deduper,
		Config:       cfg.Relay,
		Maintenance:  cfg.Maintenance,
		Logger:       log.Named("relay"),
	})
}
