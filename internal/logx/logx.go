// Package logx builds the log/slog loggers used by the allocator packages
// and the hphactl command. Library code never logs unless handed a logger
// or the HPHA_LOG_ALLOC environment variable is set.
package logx

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// EnvLogAlloc enables debug logging to stderr for allocators constructed
// without an explicit logger.
const EnvLogAlloc = "HPHA_LOG_ALLOC"

const (
	logPrefix     = "hphactl-"
	logSuffix     = ".log"
	retentionDays = 30
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// Discard returns a logger that drops every record.
func Discard() *slog.Logger { return discard }

// Or returns l, or the environment default when l is nil.
func Or(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return FromEnv()
}

// FromEnv returns a debug-level stderr logger when HPHA_LOG_ALLOC is set
// to anything but "" or "0", and a discarding logger otherwise.
func FromEnv() *slog.Logger {
	v := os.Getenv(EnvLogAlloc)
	if v == "" || v == "0" {
		return discard
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// Options configures a command-line logger.
type Options struct {
	Enabled bool       // If false, all logging is discarded
	LogDir  string     // Directory for log files. Empty logs to Writer.
	Writer  io.Writer  // Destination when LogDir is empty. Default: os.Stderr
	Level   slog.Level // Minimum log level
}

// New builds a logger from opts. The returned close function releases the
// log file, if one was opened.
func New(opts Options) (*slog.Logger, func() error, error) {
	noop := func() error { return nil }
	if !opts.Enabled {
		return discard, noop, nil
	}

	hopts := &slog.HandlerOptions{Level: opts.Level}
	if opts.LogDir == "" {
		w := opts.Writer
		if w == nil {
			w = os.Stderr
		}
		return slog.New(slog.NewTextHandler(w, hopts)), noop, nil
	}

	if err := os.MkdirAll(opts.LogDir, 0o755); err != nil {
		return nil, noop, err
	}

	// Best effort.
	cleanOldLogs(opts.LogDir, time.Now())

	filename := filepath.Join(opts.LogDir, logPrefix+time.Now().Format("2006-01-02")+logSuffix)
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, noop, err
	}
	return slog.New(slog.NewJSONHandler(f, hopts)), f.Close, nil
}

// cleanOldLogs removes hphactl log files older than retentionDays.
func cleanOldLogs(logDir string, now time.Time) {
	cutoff := now.AddDate(0, 0, -retentionDays)

	entries, err := os.ReadDir(logDir)
	if err != nil {
		return
	}

	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, logPrefix) || !strings.HasSuffix(name, logSuffix) {
			continue
		}

		// hphactl-2024-01-05.log
		dateStr := strings.TrimPrefix(strings.TrimSuffix(name, logSuffix), logPrefix)
		logDate, err := time.Parse("2006-01-02", dateStr)
		if err != nil {
			continue
		}

		if logDate.Before(cutoff) {
			os.Remove(filepath.Join(logDir, name))
		}
	}
}
