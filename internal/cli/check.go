package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/drksbr/relaymux/internal/config"
	"github.com/drksbr/relaymux/internal/runtime"
)

func newCheckCommand(opts *runtime.Options) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a configuration file and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration valid: %d listener(s) enabled\n", len(cfg.EnabledListeners()))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", config.GetStringEnv("RELAYMUX_CONFIG", "relaymux.yaml"), "path to the configuration file")
	return cmd
}
