// Package logger is the structured logging seam used by every AgentFS
// component. It wraps log/slog with AgentFS's own severity ladder
// (TRACE/DEBUG/INFO/WARNING/ERROR) and a text-or-JSON handler selected from
// cfg.LoggingConfig, rotated through lumberjack when a file path is
// configured.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
)

// Severity mirrors cfg.LogSeverity without importing cfg, to keep this
// package import-cycle free; cfg values are plain strings that compare
// equal to these constants.
type Severity string

const (
	Trace   Severity = "TRACE"
	Debug   Severity = "DEBUG"
	Info    Severity = "INFO"
	Warning Severity = "WARNING"
	Error   Severity = "ERROR"
	Off     Severity = "OFF"
)

// slog reserves levels in increments of 4; AgentFS needs one extra rung
// below Debug for Trace.
const (
	levelTrace = slog.Level(-8)
	levelDebug = slog.LevelDebug
	levelInfo  = slog.LevelInfo
	levelWarn  = slog.LevelWarn
	levelError = slog.LevelError
)

func severityToLevel(s Severity) slog.Level {
	switch s {
	case Trace:
		return levelTrace
	case Debug:
		return levelDebug
	case Warning:
		return levelWarn
	case Error:
		return levelError
	case Off:
		return slog.Level(math.MaxInt)
	default:
		return levelInfo
	}
}

func levelSeverityName(l slog.Level) string {
	switch {
	case l < levelDebug:
		return string(Trace)
	case l < levelInfo:
		return string(Debug)
	case l < levelWarn:
		return string(Info)
	case l < levelError:
		return string(Warning)
	default:
		return string(Error)
	}
}

type loggerFactory struct {
	format string // "text" or "json"
	level  *slog.LevelVar
	out    io.Writer
}

func (f *loggerFactory) createJsonOrTextHandler(w io.Writer, level *slog.LevelVar, component string) slog.Handler {
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			switch a.Key {
			case slog.LevelKey:
				lvl := a.Value.Any().(slog.Level)
				a.Key = "severity"
				a.Value = slog.StringValue(levelSeverityName(lvl))
			case slog.MessageKey:
				a.Key = "message"
				if component != "" {
					a.Value = slog.StringValue(component + a.Value.String())
				}
			case slog.TimeKey:
				a.Value = slog.StringValue(a.Value.Time().Format("2006/01/02 15:04:05.000000"))
			}
			return a
		},
	}
	if f.format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

var (
	defaultLoggerFactory = &loggerFactory{format: "text", level: new(slog.LevelVar), out: os.Stderr}
	defaultLogger        = slog.New(defaultLoggerFactory.createJsonOrTextHandler(os.Stderr, defaultLoggerFactory.level, ""))
)

// Options configures Init.
type Options struct {
	Format    string // "text" or "json"
	Severity  Severity
	Writer    io.Writer // defaults to os.Stderr when nil
	Component string    // prefixed to every message, e.g. "vfs: "
}

// Init installs the process-wide default logger. Components call this once
// at daemon startup after cfg.Config has been parsed.
func Init(opts Options) {
	if opts.Writer == nil {
		opts.Writer = os.Stderr
	}
	level := new(slog.LevelVar)
	level.Set(severityToLevel(opts.Severity))
	factory := &loggerFactory{format: opts.Format, level: level, out: opts.Writer}
	component := ""
	if opts.Component != "" {
		component = opts.Component + ": "
	}
	defaultLoggerFactory = factory
	defaultLogger = slog.New(factory.createJsonOrTextHandler(opts.Writer, level, component))
}

func setLoggingLevel(level Severity, v *slog.LevelVar) {
	v.Set(severityToLevel(level))
}

// NewComponent returns a *Logger tagged with a component name, sharing the
// process-wide handler and level so runtime severity changes apply to every
// tagged logger at once.
func NewComponent(component string) *Logger {
	return &Logger{component: component}
}

// Logger is a thin, component-tagged facade over the package-level
// Tracef/Debugf/.../Errorf helpers.
type Logger struct {
	component string
}

func (l *Logger) Tracef(format string, args ...any) { logAt(levelTrace, l.component, format, args...) }
func (l *Logger) Debugf(format string, args ...any) { logAt(levelDebug, l.component, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { logAt(levelInfo, l.component, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { logAt(levelWarn, l.component, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { logAt(levelError, l.component, format, args...) }

func logAt(level slog.Level, component, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if component != "" {
		msg = "[" + component + "] " + msg
	}
	defaultLogger.Log(context.Background(), level, msg)
}

// Package-level helpers, kept for parity with the teacher's package-level
// logging API used throughout its non-component-scoped call sites.
func Tracef(format string, args ...any) { logAt(levelTrace, "", format, args...) }
func Debugf(format string, args ...any) { logAt(levelDebug, "", format, args...) }
func Infof(format string, args ...any)  { logAt(levelInfo, "", format, args...) }
func Warnf(format string, args ...any)  { logAt(levelWarn, "", format, args...) }
func Errorf(format string, args ...any) { logAt(levelError, "", format, args...) }

// Fatal logs at ERROR severity and exits the process with status 1.
func Fatal(format string, args ...any) {
	logAt(levelError, "", format, args...)
	os.Exit(1)
}

