// Package logging provides the structured logger used across every
// component of the fabric. It is a thin adapter over hclog so call
// sites can depend on a small, stable interface instead of the
// concrete logging library.
package logging

import (
	"os"

	hclog "github.com/hashicorp/go-hclog"
)

// Logger supports logging messages at the debug, info, warn, and error
// level, plus named sub-loggers scoped to a component.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})

	// Named returns a sub-logger that prefixes every message with name.
	Named(name string) Logger
}

type hclogAdapter struct {
	hclog.Logger
}

// New creates the root logger for the process, writing to w at the
// given level ("debug", "info", "warn", "error").
func New(name string, level string, w *os.File) Logger {
	if w == nil {
		w = os.Stderr
	}
	l := hclog.New(&hclog.LoggerOptions{
		Name:   name,
		Level:  hclog.LevelFromString(level),
		Output: w,
	})
	return &hclogAdapter{Logger: l}
}

func (h *hclogAdapter) Named(name string) Logger {
	return &hclogAdapter{Logger: h.Logger.Named(name)}
}

// Discard returns a logger that drops everything, for use in tests
// that don't care about log output.
func Discard() Logger {
	return &hclogAdapter{Logger: hclog.NewNullLogger()}
}
