// Package logging builds the zerolog loggers used by the client and relay.
package logging

import (
	"io"
	stdlog "log"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Common structured field names.
const (
	FieldService = "service"
	FieldRoom    = "room"
	FieldHandle  = "handle"
	FieldConn    = "conn"
)

// Config holds logger configuration.
type Config struct {
	Level   string `mapstructure:"log_level"`
	Pretty  bool   `mapstructure:"log_pretty"`
	Service string `mapstructure:"service"`

	// Output defaults to os.Stderr so that log lines never mix with chat
	// output written to stdout.
	Output io.Writer `mapstructure:"-"`
}

// New creates a configured zerolog.Logger.
func New(cfg Config) zerolog.Logger {
	w := cfg.Output
	if w == nil {
		w = os.Stderr
	}
	if cfg.Pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}

	logger := zerolog.New(w).Level(ParseLevel(cfg.Level)).With().Timestamp().Logger()
	if cfg.Service != "" {
		logger = logger.With().Str(FieldService, cfg.Service).Logger()
	}
	return logger
}

// BridgeStdlib routes the standard library logger through logger, so
// third-party packages that call log.Printf produce structured output.
func BridgeStdlib(logger zerolog.Logger) {
	stdlog.SetFlags(0)
	stdlog.SetOutput(logger.With().Str("source", "stdlog").Logger())
}

// ParseLevel maps a level name to a zerolog level. Unknown names mean info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}
