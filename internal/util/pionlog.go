package util

import (
	"fmt"

	"github.com/pion/logging"
	"github.com/pterm/pterm"
)

// PionLoggerFactory routes pion's internal logging through the pterm logger,
// tagged with the pion scope (ice, dtls, pc, ...). Pion's debug output is
// demoted to trace and its info to debug; ICE and DTLS chatter is only
// useful when debugging connectivity.
func PionLoggerFactory() logging.LoggerFactory {
	return pionFactory{}
}

type pionFactory struct{}

func (pionFactory) NewLogger(scope string) logging.LeveledLogger {
	return pionLogger(scope)
}

type pionLogger string

func (l pionLogger) log(level pterm.LogLevel, msg string) {
	logScoped(level, "pion", string(l), msg)
}

func (l pionLogger) Trace(msg string) { l.log(pterm.LogLevelTrace, msg) }
func (l pionLogger) Debug(msg string) { l.log(pterm.LogLevelTrace, msg) }
func (l pionLogger) Info(msg string)  { l.log(pterm.LogLevelDebug, msg) }
func (l pionLogger) Warn(msg string)  { l.log(pterm.LogLevelWarn, msg) }
func (l pionLogger) Error(msg string) { l.log(pterm.LogLevelError, msg) }

func (l pionLogger) Tracef(format string, args ...interface{}) { l.Trace(fmt.Sprintf(format, args...)) }
func (l pionLogger) Debugf(format string, args ...interface{}) { l.Debug(fmt.Sprintf(format, args...)) }
func (l pionLogger) Infof(format string, args ...interface{})  { l.Info(fmt.Sprintf(format, args...)) }
func (l pionLogger) Warnf(format string, args ...interface{})  { l.Warn(fmt.Sprintf(format, args...)) }
func (l pionLogger) Errorf(format string, args ...interface{}) { l.Error(fmt.Sprintf(format, args...)) }
