// Package util provides shared logging and statistics helpers.
package util

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pterm/pterm"

	"github.com/1ureka/reattach/internal/config"
)

// Console returns the logger used for user-visible messages on stderr.
func Console() *pterm.Logger {
	return pterm.DefaultLogger.
		WithTime(false).
		WithWriter(os.Stderr).
		WithLevel(pterm.LogLevelInfo)
}

// Discard returns a logger that drops everything.
func Discard() *pterm.Logger {
	return pterm.DefaultLogger.
		WithWriter(io.Discard).
		WithLevel(pterm.LogLevelDisabled)
}

// NewLogger builds the diagnostic logger for one process role. When
// cfg.Verbose is false the logger is disabled; otherwise debug-level JSON
// lines are appended to cfg.LogPath(role). The returned closer releases the
// log file and is never nil.
func NewLogger(cfg config.Config, role config.Role) (*pterm.Logger, io.Closer, error) {
	if !cfg.Verbose {
		return Discard(), io.NopCloser(nil), nil
	}

	path := cfg.LogPath(role)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}

	logger := pterm.DefaultLogger.
		WithWriter(f).
		WithFormatter(pterm.LogFormatterJSON).
		WithTime(true).
		WithTimeFormat("02 Jan 15:04:05.000").
		WithMaxWidth(1000).
		WithLevel(pterm.LogLevelDebug)

	return logger, f, nil
}
