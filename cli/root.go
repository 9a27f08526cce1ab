package cli

import (
	"context"
	"fmt"

	"github.com/jgoldverg/bitrate/internal"
	"github.com/spf13/cobra"
)

type ctxKey string

const rootOptsKey ctxKey = "rootOpts"

type rootOptions struct {
	configPath string
	envFile    string
	logLevel   string
}

func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "bitrate",
		Short: "bitrate measures stream and datagram throughput against a discovered server",
		Long: `bitrate runs a throughput test between two hosts on the same network.
The server advertises itself with periodic broadcast offers; the client picks
up the first offer and runs concurrent TCP stream and UDP datagram sessions
against it, reporting the bit rate of each.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := internal.LoadEnvFile(opts.envFile); err != nil {
				return err
			}
			if opts.logLevel != "" {
				if err := internal.ConfigureLogger(opts.logLevel); err != nil {
					return fmt.Errorf("invalid --log-level: %w", err)
				}
			}
			cmd.SetContext(context.WithValue(cmd.Context(), rootOptsKey, opts))
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to the role config file (TOML)")
	rootCmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file with BITRATE_* overrides")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level (trace, debug, info, warn, error); overrides the config file")

	rootCmd.AddCommand(ServerCommand())
	rootCmd.AddCommand(ClientCommand())
	rootCmd.AddCommand(ConfigCommand())

	return rootCmd
}

func getRootOptions(cmd *cobra.Command) *rootOptions {
	if v := cmd.Context().Value(rootOptsKey); v != nil {
		if opts, ok := v.(*rootOptions); ok {
			return opts
		}
	}
	return &rootOptions{}
}

// applyLogLevel honours the config file's level unless --log-level was given.
func applyLogLevel(cmd *cobra.Command, level string) {
	if getRootOptions(cmd).logLevel != "" {
		return
	}
	if err := internal.ConfigureLogger(level); err != nil {
		internal.Warn("invalid log level in config, defaulting to info", internal.Fields{
			internal.FieldError: err.Error(),
		})
	}
}
