package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/ap-development/medrelay/internal/config"
)

func newConfigureCmd() *cobra.Command {
	var (
		configPath string
		force      bool
	)

	cmd := &cobra.Command{
		Use:   "configure",
		Short: "Interactively create a config file",
		Long:  "Walks through the required settings and writes a medrelay config file. Secrets are read without echo and can be left empty to fall back to MEDRELAY_* environment variables at runtime.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigure(cmd, configPath, force)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "medrelay.yaml", "path to write the config file")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

// secretReader reads one secret without echo when stdin is a terminal, and
// falls back to a plain line read otherwise. Overridable for tests.
var secretReader = func(in *bufio.Reader, out io.Writer, prompt string) (string, error) {
	fmt.Fprint(out, prompt)
	if !term.IsTerminal(int(syscall.Stdin)) {
		line, err := in.ReadString('\n')
		if err != nil && line == "" {
			return "", err
		}
		return strings.TrimSpace(line), nil
	}
	b, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(out)
	if err != nil {
		return "", fmt.Errorf("read secret: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

func runConfigure(cmd *cobra.Command, configPath string, force bool) error {
	out := cmd.OutOrStdout()

	if !force {
		if _, err := os.Stat(configPath); err == nil {
			return fmt.Errorf("configure: %s already exists (use --force to overwrite)", configPath)
		}
	}

	cfg, err := buildConfigInteractive(cmd.InOrStdin(), out)
	if err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("configure: encode config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("configure: write %s: %w", configPath, err)
	}

	fmt.Fprintf(out, "\nWrote %s\n", configPath)
	fmt.Fprintln(out, "Next steps:")
	fmt.Fprintln(out, "  medrelay migrate      # create the database schema")
	fmt.Fprintln(out, "  medrelay selftest     # verify the assistant round trip")
	fmt.Fprintln(out, "  medrelay serve        # start relaying")
	return nil
}

// buildConfigInteractive collects settings from prompts. Empty answers keep
// the zero value, which the loader later fills from defaults or environment.
func buildConfigInteractive(in io.Reader, out io.Writer) (*config.Config, error) {
	r := bufio.NewReader(in)
	ask := func(prompt, def string) string {
		if def != "" {
			fmt.Fprintf(out, "%s [%s]: ", prompt, def)
		} else {
			fmt.Fprintf(out, "%s: ", prompt)
		}
		line, _ := r.ReadString('\n')
		line = strings.TrimSpace(line)
		if line == "" {
			return def
		}
		return line
	}

	var cfg config.Config

	cfg.Transport.Platform = ask("Chat platform (telegram, slack, discord)", "telegram")
	switch cfg.Transport.Platform {
	case "telegram":
		tok, err := secretReader(r, out,"Telegram bot token: ")
		if err != nil {
			return nil, err
		}
		cfg.Telegram.Token = tok
		cfg.Telegram.Mode = ask("Telegram mode (polling, webhook)", "polling")
		if cfg.Telegram.Mode == "webhook" {
			cfg.Telegram.WebhookURL = ask("Webhook URL", "")
			sec, err := secretReader(r, out,"Webhook secret token: ")
			if err != nil {
				return nil, err
			}
			cfg.Telegram.WebhookSecret = sec
		}
	case "slack":
		app, err := secretReader(r, out,"Slack app token (xapp-...): ")
		if err != nil {
			return nil, err
		}
		bot, err := secretReader(r, out,"Slack bot token (xoxb-...): ")
		if err != nil {
			return nil, err
		}
		cfg.Slack.AppToken, cfg.Slack.BotToken = app, bot
	case "discord":
		tok, err := secretReader(r, out,"Discord bot token: ")
		if err != nil {
			return nil, err
		}
		cfg.Discord.Token = tok
	default:
		return nil, fmt.Errorf("configure: unsupported platform %q", cfg.Transport.Platform)
	}

	key, err := secretReader(r, out,"OpenAI API key: ")
	if err != nil {
		return nil, err
	}
	cfg.Assistant.APIKey = key
	cfg.Assistant.AssistantID = ask("Assistant id (asst_...)", "")

	cfg.Redis.Addr = ask("Redis address", "127.0.0.1:6379")
	cfg.Database.Host = ask("Postgres host", "127.0.0.1")
	cfg.Database.User = ask("Postgres user", "medrelay")
	dbpass, err := secretReader(r, out,"Postgres password: ")
	if err != nil {
		return nil, err
	}
	cfg.Database.Password = dbpass
	cfg.Database.Name = ask("Postgres database", "medrelay")

	cfg.Admin.ListenAddr = ask("Admin API listen address (empty disables)", ":8085")
	if cfg.Admin.ListenAddr != "" {
		tok, err := secretReader(r, out,"Admin API bearer token: ")
		if err != nil {
			return nil, err
		}
		cfg.Admin.AuthToken = tok
	}

	return &cfg, nil
}
