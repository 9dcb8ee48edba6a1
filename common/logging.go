package common

import (
	"log/slog"
	"os"
)

type LoggingOpts struct {
	Debug   bool
	JSON    bool
	Service string
	Version string
}

// SetupLogger creates the process logger. Logs go to stderr so that command output on
// stdout stays machine-readable.
func SetupLogger(opts *LoggingOpts) (log *slog.Logger) {
	logLevel := slog.LevelInfo
	if opts.Debug {
		logLevel = slog.LevelDebug
	}

	handlerOpts := &slog.HandlerOptions{
		AddSource: opts.Debug,
		Level:     logLevel,
	}

	if opts.JSON {
		log = slog.New(slog.NewJSONHandler(os.Stderr, handlerOpts))
	} else {
		log = slog.New(slog.NewTextHandler(os.Stderr, handlerOpts))
	}

	if opts.Service != "" {
		log = log.With("service", opts.Service)
	}

	if opts.Version != "" {
		log = log.With("version", opts.Version)
	}

	return log
}
