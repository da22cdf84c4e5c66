package util

import "github.com/pion/logging"

// PionLoggerFactory routes pion's internal logging (ICE, DTLS, SCTP...)
// into the pterm logger. pion is chatty at info level, so everything below
// warn is demoted to debug.
func PionLoggerFactory() logging.LoggerFactory {
	return pionLoggerFactory{}
}

type pionLoggerFactory struct{}

func (pionLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return pionLogger{Scoped("pion/" + scope)}
}

// pionLogger implements logging.LeveledLogger.
type pionLogger struct {
	l Logger
}

func (p pionLogger) Trace(msg string)                          { p.l.Debugf("%s", msg) }
func (p pionLogger) Tracef(format string, args ...interface{}) { p.l.Debugf(format, args...) }
func (p pionLogger) Debug(msg string)                          { p.l.Debugf("%s", msg) }
func (p pionLogger) Debugf(format string, args ...interface{}) { p.l.Debugf(format, args...) }
func (p pionLogger) Info(msg string)                           { p.l.Debugf("%s", msg) }
func (p pionLogger) Infof(format string, args ...interface{})  { p.l.Debugf(format, args...) }
func (p pionLogger) Warn(msg string)                           { p.l.Warningf("%s", msg) }
func (p pionLogger) Warnf(format string, args ...interface{})  { p.l.Warningf(format, args...) }
func (p pionLogger) Error(msg string)                          { p.l.Errorf("%s", msg) }
func (p pionLogger) Errorf(format string, args ...interface{}) { p.l.Errorf(format, args...) }

var _ logging.LeveledLogger = pionLogger{}

