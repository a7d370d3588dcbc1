// Package logging provides the structured logger used by every registry
// component. Output is zerolog JSON (or console text for local runs), with a
// component field per subsystem and a level that can be changed at runtime
// and shared by all child loggers.
package logging

import (
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// ParseLevel converts a level name (any case) into a Level.
func ParseLevel(s string) (Level, bool) {
	switch Level(strings.ToLower(strings.TrimSpace(s))) {
	case LevelDebug:
		return LevelDebug, true
	case LevelInfo, "":
		return LevelInfo, true
	case LevelWarn, "warning":
		return LevelWarn, true
	case LevelError:
		return LevelError, true
	}
	return "", false
}

func (l Level) zerolog() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Config configures a root logger.
type Config struct {
	Level      string    `toml:"level"`
	Format     string    `toml:"format"` // "json" (default) or "console"
	TimeFormat string    `toml:"time_format"`
	Output     io.Writer `toml:"-"`
}

// DefaultConfig returns JSON logging at info level to stdout.
func DefaultConfig() Config {
	return Config{
		Level:      string(LevelInfo),
		Format:     "json",
		TimeFormat: time.RFC3339Nano,
	}
}

// Logger is a leveled structured logger. Child loggers created with
// WithComponent or With share the parent's level.
type Logger struct {
	zl    zerolog.Logger
	level *atomic.Value // Level
}

// New creates a root logger from cfg.
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	zl := zerolog.New(out).With().Timestamp().Logger()

	lvl, ok := ParseLevel(cfg.Level)
	if !ok {
		lvl = LevelInfo
	}
	holder := &atomic.Value{}
	holder.Store(lvl)

	if cfg.TimeFormat != "" {
		zerolog.TimeFieldFormat = cfg.TimeFormat
	}
	return &Logger{zl: zl, level: holder}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	holder := &atomic.Value{}
	holder.Store(LevelError)
	return &Logger{zl: zerolog.New(io.Discard), level: holder}
}

// WithComponent returns a child logger tagged with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{zl: l.zl.With().Str("component", component).Logger(), level: l.level}
}

// With returns a child logger carrying an extra field on every entry.
func (l *Logger) With(key string, value interface{}) *Logger {
	return &Logger{zl: l.zl.With().Interface(key, value).Logger(), level: l.level}
}

// SetLevel changes the minimum level for this logger and all its relatives.
func (l *Logger) SetLevel(level Level) {
	l.level.Store(level)
}

// Level returns the current minimum level.
func (l *Logger) Level() Level {
	return l.level.Load().(Level)
}

// Zerolog exposes the underlying zerolog logger for libraries that take one.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zl.Level(l.Level().zerolog())
}

func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(LevelDebug, msg, fields...)
}

func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(LevelInfo, msg, fields...)
}

func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(LevelWarn, msg, fields...)
}

func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(LevelError, msg, fields...)
}

func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	zlevel := level.zerolog()
	if zlevel < l.Level().zerolog() {
		return
	}
	ev := l.zl.WithLevel(zlevel)
	for _, f := range fields {
		for k, v := range f {
			if err, ok := v.(error); ok {
				ev = ev.AnErr(k, err)
				continue
			}
			ev = ev.Interface(k, v)
		}
	}
	ev.Msg(msg)
}
