package runtime

import (
	"log/slog"

	"github.com/drksbr/relaymux/internal/logger"
	"github.com/drksbr/relaymux/internal/version"
)

// Options carries the process-wide settings shared by every subcommand.
type Options struct {
	JSONLogs  bool
	LogLevel  string
	AddSource bool
	Env       string

	logger *logger.Logger
}

// SetupLogger builds the process logger from the options. Called once by
// the root command before any subcommand runs.
func (o *Options) SetupLogger() error {
	format := logger.FormatText
	if o.JSONLogs {
		format = logger.FormatJSON
	}
	lg, err := logger.New(logger.Config{
		Format:      format,
		Level:       o.LogLevel,
		AddSource:   o.AddSource,
		Environment: o.Env,
		Version:     version.Version,
	})
	if err != nil {
		return err
	}
	o.logger = lg
	return nil
}

func (o *Options) Logger() *slog.Logger {
	if o.logger == nil {
		return slog.Default()
	}
	return o.logger.Logger
}
