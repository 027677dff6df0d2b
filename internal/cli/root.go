package cli

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/drksbr/relaymux/internal/config"
	"github.com/drksbr/relaymux/internal/runtime"
	"github.com/drksbr/relaymux/internal/version"
)

func Execute() error {
	opts := &runtime.Options{
		LogLevel: config.GetStringEnv("RELAYMUX_LOG_LEVEL", "info"),
		Env:      config.GetStringEnv("RELAYMUX_ENV", ""),
	}
	cmd := newRootCommand(opts)
	return cmd.Execute()
}

func newRootCommand(opts *runtime.Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "relaymux",
		Short:        "Multi-protocol proxy relay (shadowsocks, SOCKS5, HTTP)",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Best effort: a missing .env just means plain environment.
			_ = godotenv.Load(".env")
			return opts.SetupLogger()
		},
	}

	cmd.PersistentFlags().BoolVar(&opts.JSONLogs, "json-logs", false, "emit logs in JSON format")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", opts.LogLevel, "log level (debug, info, warn, error)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newCheckCommand(opts))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Version)
		},
	})

	return cmd
}
