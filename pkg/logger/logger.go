// Package logger builds the zerolog logger shared by every component.
// Sub-loggers are derived from it with contextual fields (repo, runner,
// component) rather than constructed independently.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config selects verbosity and output format.
type Config struct {
	Level  string // debug, info, warn, error; anything else means info
	Pretty bool   // Human-readable console output for dev mode
}

// New builds the root logger. Production output is JSON on stdout so
// batch runs can be grepped by field; dev mode gets the console writer.
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	var output io.Writer = os.Stdout
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Logger()
}

// SetGlobalLogger routes zerolog's package-level log through l, so
// stray log.Info() calls share the configured output.
func SetGlobalLogger(l zerolog.Logger) {
	log.Logger = l
}
