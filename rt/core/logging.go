package core

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync/atomic"
)

// Logger is the logging surface shared by every manager. Implementations
// must be safe for concurrent use; workers log from their own goroutines.
type Logger interface {
	DebugEnabled() bool
	SetDebug(enabled bool)
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	}
	return "ERROR"
}

// DefaultLogger writes debug and info lines to stdout, warnings and errors
// to stderr, with microsecond timestamps.
type DefaultLogger struct {
	debug  atomic.Bool
	prefix string
	out    *log.Logger
	err    *log.Logger
}

func NewDefaultLogger(prefix string, debug bool) *DefaultLogger {
	flags := log.LstdFlags | log.Lmicroseconds
	l := &DefaultLogger{
		prefix: prefix,
		out:    log.New(os.Stdout, "", flags),
		err:    log.New(os.Stderr, "", flags),
	}
	l.debug.Store(debug)
	return l
}

func (l *DefaultLogger) DebugEnabled() bool    { return l.debug.Load() }
func (l *DefaultLogger) SetDebug(enabled bool) { l.debug.Store(enabled) }

func (l *DefaultLogger) write(level Level, format string, args []any) {
	w := l.out
	if level >= LevelWarn {
		w = l.err
	}
	msg := fmt.Sprintf(format, args...)
	if l.prefix == "" {
		w.Printf("%s: %s", level, msg)
		return
	}
	w.Printf("[%s] %s: %s", l.prefix, level, msg)
}

func (l *DefaultLogger) Debugf(format string, args ...any) {
	if l.DebugEnabled() {
		l.write(LevelDebug, format, args)
	}
}

func (l *DefaultLogger) Infof(format string, args ...any)  { l.write(LevelInfo, format, args) }
func (l *DefaultLogger) Warnf(format string, args ...any)  { l.write(LevelWarn, format, args) }
func (l *DefaultLogger) Errorf(format string, args ...any) { l.write(LevelError, format, args) }

// componentLogger tags every line with the manager that wrote it.
type componentLogger struct {
	base Logger
	name string
}

// ForComponent scopes l to one manager so its lines read "name: message".
// Scoping a scoped logger joins the names with a dot. A nil l yields the
// no-op logger.
func ForComponent(l Logger, name string) Logger {
	switch b := l.(type) {
	case nil:
		return nopLogger{}
	case nopLogger:
		return b
	case componentLogger:
		return componentLogger{base: b.base, name: b.name + "." + name}
	}
	return componentLogger{base: l, name: name}
}

// Component is the name l was scoped to, or "" for an unscoped logger.
func Component(l Logger) string {
	if c, ok := l.(componentLogger); ok {
		return c.name
	}
	return ""
}

func (c componentLogger) tag(format string) string {
	var b strings.Builder
	b.Grow(len(c.name) + 2 + len(format))
	b.WriteString(strings.ReplaceAll(c.name, "%", "%%"))
	b.WriteString(": ")
	b.WriteString(format)
	return b.String()
}

func (c componentLogger) DebugEnabled() bool    { return c.base.DebugEnabled() }
func (c componentLogger) SetDebug(enabled bool) { c.base.SetDebug(enabled) }

func (c componentLogger) Debugf(format string, args ...any) {
	if c.base.DebugEnabled() {
		c.base.Debugf(c.tag(format), args...)
	}
}

func (c componentLogger) Infof(format string, args ...any)  { c.base.Infof(c.tag(format), args...) }
func (c componentLogger) Warnf(format string, args ...any)  { c.base.Warnf(c.tag(format), args...) }
func (c componentLogger) Errorf(format string, args ...any) { c.base.Errorf(c.tag(format), args...) }

type nopLogger struct{}

func NewNopLogger() Logger { return nopLogger{} }

func (nopLogger) DebugEnabled() bool    { return false }
func (nopLogger) SetDebug(bool)         {}
func (nopLogger) Debugf(string, ...any) {}
func (nopLogger) Infof(string, ...any)  {}
func (nopLogger) Warnf(string, ...any)  {}
func (nopLogger) Errorf(string, ...any) {}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l Logger) Logger {
	if l == nil {
		return NewNopLogger()
	}
	return l
}
