// Package util provides logging and statistics shared by the call engine and the relay.
package util

import (
	"fmt"

	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// Leveled logging functions backed by pterm prefixed printers.
// All output goes to stderr by default (pterm's default).

func LogDebug(format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogSuccess(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogWarning(format string, args ...interface{}) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...interface{}) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// EnableDebug configures the logger to show debug messages.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}

// Logger prefixes every line with a fixed scope, e.g. "[room R1]".
// The zero value logs without a prefix.
type Logger struct {
	prefix string
}

// Scoped returns a Logger whose lines start with "[scope] ".
func Scoped(scope string) Logger {
	return Logger{prefix: "[" + scope + "] "}
}

func (l Logger) Debugf(format string, args ...interface{})   { LogDebug(l.prefix+format, args...) }
func (l Logger) Infof(format string, args ...interface{})    { LogInfo(l.prefix+format, args...) }
func (l Logger) Warningf(format string, args ...interface{}) { LogWarning(l.prefix+format, args...) }
func (l Logger) Errorf(format string, args ...interface{})   { LogError(l.prefix+format, args...) }
