// Package logging builds the relay's structured JSON logger and provides a
// size-based rotating file writer for file output.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/tjnuccio/CircuitBreaker/internal/config"
)

// nopCloser wraps a writer that needs no cleanup (stdout, stderr).
type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// New builds a JSON slog.Logger from the logging config. The returned closer
// must be closed on shutdown; it is a no-op for stdout and stderr output.
func New(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	var out io.WriteCloser
	switch cfg.Output {
	case "", "stdout":
		out = nopCloser{os.Stdout}
	case "stderr":
		out = nopCloser{os.Stderr}
	default:
		rot, err := NewRotator(cfg.Output, cfg.MaxSizeMB, cfg.MaxBackups, cfg.MaxAgeDays)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log output: %w", err)
		}
		out = rot
	}

	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level}))
	return logger, out, nil
}

// ParseLevel converts a config level string to a slog.Level. Empty means Info.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", level)
	}
}
