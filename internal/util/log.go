// Package util provides the proxy's diagnostic side channel.
//
// Everything here writes to stderr: stdout belongs to the traffic renderer
// and must never receive log lines.
package util

import (
	"fmt"
	"os"

	"github.com/pterm/pterm"
)

// logger carries the diagnostics. Millisecond timestamps, because log
// lines are usually read next to a traffic dump of the same moment.
// Debug lines stay off until EnableDebug is called.
var logger = pterm.DefaultLogger.
	WithWriter(os.Stderr).
	WithTime(true).
	WithTimeFormat("15:04:05.000").
	WithMaxWidth(1000)

// EnableDebug lowers the threshold so per-connection lifecycle
// transitions show up.
func EnableDebug() {
	logger = logger.WithLevel(pterm.LogLevelDebug)
}

func LogDebug(format string, args ...interface{}) {
	logger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...interface{}) {
	logger.Info(fmt.Sprintf(format, args...))
}

func LogWarning(format string, args ...interface{}) {
	logger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...interface{}) {
	logger.Error(fmt.Sprintf(format, args...))
}
