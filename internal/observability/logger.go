package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// LogOptions configures NewLogger.
type LogOptions struct {
	Level  string    // debug, info, warn, error; default info
	Pretty bool      // human-readable console output
	Writer io.Writer // default os.Stderr
}

// NewLogger builds the process logger.
func NewLogger(opts LogOptions) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}
	if opts.Pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	}

	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(opts.Level)))
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}

	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
