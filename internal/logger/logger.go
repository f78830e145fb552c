// Package logger builds the zerolog loggers used across CacheQ.
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Version is stamped on every log line.
const Version = "1.3"

func init() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.ErrorStackMarshaler = func(err error) interface{} {
		if err == nil {
			return nil
		}
		type stackTracer interface {
			StackTrace() errors.StackTrace
		}
		var st stackTracer
		if errors.As(err, &st) {
			return st.StackTrace()
		}
		return nil
	}
}

// Config selects level, format and destination.
type Config struct {
	Level  string // debug, info, warn, error; default info
	Format string // json or console; default json
	Output string // stderr, stdout, or a file path; default stderr
}

// New returns a logger for cfg. An unusable output falls back to stderr and
// says so on the returned logger.
func New(cfg Config) zerolog.Logger {
	var (
		w       io.Writer = os.Stderr
		openErr error
	)
	switch strings.ToLower(cfg.Output) {
	case "", "stderr":
	case "stdout":
		w = os.Stdout
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			openErr = err
		} else {
			w = f
		}
	}
	if strings.EqualFold(cfg.Format, "console") {
		w = zerolog.ConsoleWriter{Out: w}
	}

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	l := zerolog.New(w).Level(level).With().Timestamp().Str("version", Version).Logger()
	if openErr != nil {
		l.Error().Err(openErr).Str("output", cfg.Output).Msg("log output unusable, using stderr")
	}
	return l
}

// Nop returns a logger that discards everything.
func Nop() zerolog.Logger { return zerolog.Nop() }
