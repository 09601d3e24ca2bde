// Package logging builds the engine's zerolog.Logger value. Grounded
// on ManuGH-xg2g's internal/log.Configure (level parsing, service/
// version fields, console vs. JSON writer) but returns a value to be
// threaded into constructors rather than a package-global logger.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Config selects the logger's level, output and static fields.
type Config struct {
	Level   string // "debug", "info", "warn", "error"; default "info"
	Pretty  bool   // human-readable console writer instead of JSON
	Output  io.Writer
	Service string
	Version string
}

// New builds a zerolog.Logger from cfg, filling in defaults for any
// zero fields.
func New(cfg Config) zerolog.Logger {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		if parsed, err := zerolog.ParseLevel(cfg.Level); err == nil {
			level = parsed
		}
	}

	var writer io.Writer = cfg.Output
	if writer == nil {
		writer = os.Stdout
	}
	if cfg.Pretty {
		writer = zerolog.ConsoleWriter{Out: writer, TimeFormat: time.RFC3339}
	}

	service := cfg.Service
	if service == "" {
		service = "mediacored"
	}

	builder := zerolog.New(writer).Level(level).With().
		Timestamp().
		Str("service", service)
	if cfg.Version != "" {
		builder = builder.Str("version", cfg.Version)
	}
	return builder.Logger()
}
