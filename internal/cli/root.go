// Package cli implements the offsync command line.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/go-offline-sync/config"
	"github.com/c0deZ3R0/go-offline-sync/logging"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Format     string // "json" | "text"
	DBPath     string
	Server     string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the offsync CLI.
func NewRootCommand(version string) *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:     "offsync",
		Version: version,
		Short:   "Offline-first sync engine",
		Long: `offsync queues local changes durably and synchronizes them with a server.

Commands that touch the local database read the configuration named by
--config (YAML, TOML or JSON), then OFFSYNC_* and LOG_* environment variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (yaml, toml or json)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.DBPath, "db", "", "local database path (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.Server, "server", "", "sync server base URL (overrides config)")

	cmd.AddGroup(
		&cobra.Group{ID: "client", Title: "Client Commands:"},
		&cobra.Group{ID: "server", Title: "Server Commands:"},
	)

	for _, sub := range []*cobra.Command{
		NewEnqueueCommand(opts),
		NewGetCommand(opts),
		NewActionsCommand(opts),
		NewSyncCommand(opts),
		NewStatusCommand(opts),
		NewDeadLettersCommand(opts),
		NewDecideCommand(opts),
		NewIdentityCommand(opts),
		NewClaimCommand(opts),
		NewRunCommand(opts),
	} {
		sub.GroupID = "client"
		cmd.AddCommand(sub)
	}
	for _, sub := range []*cobra.Command{
		NewServeCommand(opts),
		NewTokenCommand(opts),
	} {
		sub.GroupID = "server"
		cmd.AddCommand(sub)
	}
	cmd.AddCommand(NewInitCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// loadConfig reads the config file when one is named, overlays the
// environment and the command-line overrides, and installs the logger.
// Logs go to stderr unless a log file is configured so stdout stays parseable.
func loadConfig(opts *RootOptions, cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if opts.ConfigPath != "" {
		loaded, err := config.Load(opts.ConfigPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if opts.DBPath != "" {
		cfg.Store.Path = opts.DBPath
	}
	if opts.Server != "" {
		cfg.Remote.BaseURL = opts.Server
	}

	if cfg.Logging.File != "" {
		logging.Init(cfg.Logging)
	} else {
		logging.SetDefault(logging.NewLoggerTo(cmd.ErrOrStderr(), cfg.Logging))
	}
	return cfg, nil
}
