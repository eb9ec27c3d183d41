package redis

import "github.com/sirupsen/logrus"

// Level names the syslog-style severities spec.md §6 requires the
// connection to log at.
type Level int

const (
	LevelEmerg Level = iota
	LevelAlert
	LevelCrit
	LevelErr
	LevelWarning
	LevelNotice
	LevelInfo
	LevelDebug
)

func (l Level) String() string {
	switch l {
	case LevelEmerg:
		return "emerg"
	case LevelAlert:
		return "alert"
	case LevelCrit:
		return "crit"
	case LevelErr:
		return "err"
	case LevelWarning:
		return "warning"
	case LevelNotice:
		return "notice"
	case LevelInfo:
		return "info"
	case LevelDebug:
		return "debug"
	default:
		return "unknown"
	}
}

// Logger is the sink a Connection reports events to. It is injected, not a
// process-global singleton — see spec.md §9, "Global logger singletons."
//
// A Connection calls Log when a Sentinel discovery round succeeds or fails,
// when a connection is established, when a connect, handshake or run
// attempt ends with an error, and before each reconnect wait. Individual
// Sentinel candidates, TLS handshakes, HELLO replies and a run that ends
// without error are not logged.
type Logger interface {
	Log(level Level, prefix, msg string, fields map[string]any)
}

// NopLogger discards everything. It is the Connection zero value default.
type NopLogger struct{}

// Log implements Logger.
func (NopLogger) Log(Level, string, string, map[string]any) {}

// logrusLogger adapts Logger to github.com/sirupsen/logrus, the logging
// library the retrieved corpus standardizes on (see
// internal/logger/logrus.go in the syslog consumer example).
type logrusLogger struct {
	entry *logrus.Logger
}

// NewLogrusLogger wraps l as a Logger. A nil l uses logrus.StandardLogger().
func NewLogrusLogger(l *logrus.Logger) Logger {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return &logrusLogger{entry: l}
}

func (l *logrusLogger) Log(level Level, prefix, msg string, fields map[string]any) {
	fs := make(logrus.Fields, len(fields)+1)
	for k, v := range fields {
		fs[k] = v
	}
	if prefix != "" {
		fs["prefix"] = prefix
	}
	l.entry.WithFields(fs).Log(toLogrusLevel(level), msg)
}

func toLogrusLevel(l Level) logrus.Level {
	switch l {
	case LevelEmerg, LevelAlert, LevelCrit:
		return logrus.FatalLevel
	case LevelErr:
		return logrus.ErrorLevel
	case LevelWarning:
		return logrus.WarnLevel
	case LevelNotice, LevelInfo:
		return logrus.InfoLevel
	case LevelDebug:
		return logrus.DebugLevel
	default:
		return logrus.InfoLevel
	}
}
