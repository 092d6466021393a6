// Command nagbot runs the reminder escalation daemon and offers a few
// operator commands against its store.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/notexe/nagbot/internal/app"
	"github.com/notexe/nagbot/internal/config"
	"github.com/notexe/nagbot/internal/logging"
	"github.com/notexe/nagbot/internal/reminder"
	"github.com/notexe/nagbot/internal/ui"
)

const (
	Version = "0.1.0"
	appName = "nagbot"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ui.NewFormatter(true).FormatError(err))
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Persistent reminders that escalate until acknowledged",
		Long: `nagbot keeps reminding you about a task, harder each time, until you
reply 'done', 'skip' or 'snooze'. Critical reminders nag every few
minutes; optional ones ping once.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.GetDefaultConfigPath(), "Path to configuration file")

	cmd.AddCommand(
		runCmd(&configPath),
		listCmd(&configPath),
		checkCmd(&configPath),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Printf("%s version %s\n", appName, Version)
			},
		},
	)
	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.SugaredLogger, func() error, error) {
	return logging.New(cfg.Log.Level, cfg.Log.Development)
}

func runCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the daemon: sweep due reminders, listen for replies, serve HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			log, sync, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			log.Infow("Starting", "version", Version, "store", cfg.Store.Driver,
				"telegram", cfg.Telegram.Enabled, "http", cfg.HTTP.Enabled)
			return a.Run(ctx)
		},
	}
}

func listCmd(configPath *string) *cobra.Command {
	var (
		owner   string
		noColor bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Show an owner's active reminders",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("loading configuration: %w", err)
			}
			// Listing only reads the store; no sink is needed.
			cfg.Telegram.Enabled = false
			cfg.Notify.DBus = false
			cfg.Notify.Log = true
			cfg.Events.Enabled = false
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			a, err := app.New(cmd.Context(), cfg, zap.NewNop().Sugar())
			if err != nil {
				return err
			}
			defer a.Close()

			var rs []reminder.Reminder
			for r, err := range a.Engine.ListActive(cmd.Context(), owner) {
				if err != nil {
					return err
				}
				rs = append(rs, r)
			}

			f := ui.NewFormatter(!noColor)
			fmt.Fprintln(cmd.OutOrStdout(), f.FormatReminders(rs, time.Now()))
			return nil
		},
	}
	cmd.Flags().StringVarP(&owner, "owner", "o", "", "Owner id (Telegram chat id)")
	cmd.Flags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func checkCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and print the escalation tiers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			policy, err := cfg.Policy()
			if err != nil {
				return err
			}

			f := ui.NewFormatter(true)
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, f.FormatSuccess("Configuration OK"))
			fmt.Fprintf(out, "store: %s\n", cfg.Store.Driver)
			for _, tier := range policy.Tiers() {
				fmt.Fprintf(out, "tier %-10s %d notifications, offsets %v min\n",
					tier, policy.Attempts(tier), cfg.Tiers[string(tier)])
			}
			return nil
		},
	}
}
