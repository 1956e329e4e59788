// Package util provides the shared logger and process-wide traffic stats.
package util

import (
	"fmt"
	"strings"

	"github.com/pterm/pterm"
)

var levels = map[string]pterm.LogLevel{
	"trace": pterm.LogLevelTrace,
	"debug": pterm.LogLevelDebug,
	"info":  pterm.LogLevelInfo,
	"warn":  pterm.LogLevelWarn,
	"error": pterm.LogLevelError,
}

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// Leveled logging functions backed by pterm prefixed printers.
// All output goes to stderr by default (pterm's default).

func LogTrace(format string, args ...interface{}) {
	pterm.DefaultLogger.Trace(fmt.Sprintf(format, args...))
}

func LogDebug(format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogSuccess(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(pterm.Green(fmt.Sprintf(format, args...)))
}

func LogWarning(format string, args ...interface{}) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...interface{}) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// logScoped writes msg with a key=value pair that pterm renders after it.
func logScoped(level pterm.LogLevel, key, value, msg string) {
	l := &pterm.DefaultLogger
	args := l.Args(key, value)
	switch level {
	case pterm.LogLevelTrace:
		l.Trace(msg, args)
	case pterm.LogLevelDebug:
		l.Debug(msg, args)
	case pterm.LogLevelWarn:
		l.Warn(msg, args)
	case pterm.LogLevelError:
		l.Error(msg, args)
	default:
		l.Info(msg, args)
	}
}

// EnableDebug configures the logger to show debug messages. A more verbose
// level such as trace is kept.
func EnableDebug() {
	if pterm.DefaultLogger.Level > pterm.LogLevelDebug {
		pterm.DefaultLogger.Level = pterm.LogLevelDebug
	}
}

// SetLevel sets the minimum level shown: trace, debug, info, warn or error.
func SetLevel(name string) error {
	lvl, ok := levels[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return fmt.Errorf("unknown log level %q", name)
	}
	pterm.DefaultLogger.Level = lvl
	return nil
}
