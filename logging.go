package mssql

import (
	"log"
	"os"

	"github.com/sirupsen/logrus"
)

// LogFlags is a bitmask selecting which categories of diagnostic output
// the driver emits; token.go's response loop checks these flags on every
// logf call.
type LogFlags uint64

const (
	logErrors LogFlags = 1 << iota
	logMessages
	logRows
	logSQL
	logParams
	logTransaction
	logDebug
	logRetries
)

// Logger is the minimal sink the driver writes to — deliberately just
// Printf, as in optionalLogger, so any logging backend can
// satisfy it with one adapter method.
type Logger interface {
	Printf(format string, v ...interface{})
}

// stdLogger adapts the standard library's log.Logger.
type stdLogger struct{ l *log.Logger }

// NewStdLogger returns a Logger backed by the standard library, writing to
// stderr — zero-dependency default.
func NewStdLogger() Logger {
	return &stdLogger{l: log.New(os.Stderr, "mssql: ", log.LstdFlags)}
}

func (s *stdLogger) Printf(format string, v ...interface{}) { s.l.Printf(format, v...) }

// logrusLogger adapts github.com/sirupsen/logrus, the structured logger the
// retrieval corpus reaches for (Teleport, DittoFS) instead of bare stdlib
// logging. It is opt-in; DefaultConfig uses NewStdLogger.
type logrusLogger struct{ l *logrus.Logger }

// NewLogrusLogger adapts an existing *logrus.Logger. Pass nil to get
// logrus's own default logger.
func NewLogrusLogger(l *logrus.Logger) Logger {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return &logrusLogger{l: l}
}

func (r *logrusLogger) Printf(format string, v ...interface{}) {
	r.l.Infof(format, v...)
}

func (s *Config) logf(flag LogFlags, format string, v ...interface{}) {
	if s.Logger == nil || s.LogFlags&flag == 0 {
		return
	}
	s.Logger.Printf(format, v...)
}
