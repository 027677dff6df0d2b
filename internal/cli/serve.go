package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/drksbr/relaymux/internal/config"
	"github.com/drksbr/relaymux/internal/observability"
	"github.com/drksbr/relaymux/internal/proxy"
	"github.com/drksbr/relaymux/internal/runtime"
	"github.com/drksbr/relaymux/internal/util"
)

func newServeCommand(opts *runtime.Options) *cobra.Command {
	var (
		configPath    string
		traceEnabled  bool
		traceExporter string
		traceEndpoint string
		traceInsecure bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy relay with the given configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := opts.Logger()

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			ctx, stop := util.WithSignalContext(cmd.Context())
			defer stop()

			shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfig{
				Enabled:  traceEnabled,
				Exporter: traceExporter,
				Endpoint: traceEndpoint,
				Insecure: traceInsecure,
			})
			if err != nil {
				return err
			}
			defer func() {
				if err := shutdownTracing(context.Background()); err != nil {
					logger.Warn("tracing shutdown", "error", err)
				}
			}()

			srv, err := proxy.New(cfg, logger)
			if err != nil {
				return err
			}
			logger.Info("starting", "listeners", len(cfg.EnabledListeners()))
			return srv.Run(ctx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", config.GetStringEnv("RELAYMUX_CONFIG", "relaymux.yaml"), "path to the configuration file")
	cmd.Flags().BoolVar(&traceEnabled, "trace", config.GetBoolEnv("RELAYMUX_TRACING", false), "enable OpenTelemetry tracing")
	cmd.Flags().StringVar(&traceExporter, "trace-exporter", "stdout", "tracing exporter (stdout, otlp-grpc, otlp-http)")
	cmd.Flags().StringVar(&traceEndpoint, "trace-endpoint", "", "tracing collector endpoint")
	cmd.Flags().BoolVar(&traceInsecure, "trace-insecure", false, "disable TLS for the tracing exporter")

	return cmd
}
