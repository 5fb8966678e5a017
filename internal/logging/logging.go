package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// Logger is the process-wide structured logger. It discards everything until
// Initialize is called, so packages can log unconditionally.
var Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))

// Initialize sets up JSON logging. With debug enabled, records go to the
// given file (created append-only) at debug level; otherwise records at info
// level and above go to the same file. An empty path logs to stderr.
func Initialize(debug bool, logFile string) error {
	if os.Getenv("PLAYPEN_DEBUG") == "1" {
		debug = true
	}

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var w io.Writer = os.Stderr
	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		w = f
	}

	Logger = slog.New(slog.NewJSONHandler(w, opts))
	return nil
}
