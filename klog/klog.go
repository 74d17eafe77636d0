// Package klog is the kernel's leveled logger, grounded on
// oboskrnl/klog.c: every message is tagged with a level and the
// caller's source location, and a kernel-space panic dumps a
// backtrace before terminating.
package klog

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/ianlancetaylor/demangle"

	"obos/caller"
)

// Level orders log severities, mirroring klog.c's OBOS_LOG_LEVEL_*.
type Level int

const (
	LevelDebug Level = iota
	LevelLog
	LevelWarning
	LevelError
	LevelPanic
)

func (l Level) tag() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelLog:
		return "LOG"
	case LevelWarning:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelPanic:
		return "PANIC"
	default:
		return "?"
	}
}

// Logger is a leveled sink with a configurable minimum level and
// output writer. The zero value logs everything to os.Stderr.
type Logger struct {
	mu      sync.Mutex
	out     io.Writer
	minimum Level
	distinct caller.DistinctPaths
}

// Default is the kernel-wide logger, analogous to the single global
// log sink the original klog.c writes through.
var Default = &Logger{out: os.Stderr}

// SetOutput redirects where log lines are written.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out = w
}

// SetMinimumLevel suppresses messages below lvl.
func (l *Logger) SetMinimumLevel(lvl Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.minimum = lvl
}

func (l *Logger) emit(lvl Level, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.out == nil {
		l.out = os.Stderr
	}
	if lvl < l.minimum {
		return
	}
	_, file, line, ok := runtime.Caller(2)
	if !ok {
		file, line = "???", 0
	}
	ts := time.Now().Format("15:04:05.000")
	fmt.Fprintf(l.out, "[%s] %-5s %s:%d: %s\n", ts, lvl.tag(), file, line, fmt.Sprintf(format, args...))
}

// Debug logs a debug-level message.
func (l *Logger) Debug(format string, args ...any) { l.emit(LevelDebug, format, args...) }

// Log logs an informational message.
func (l *Logger) Log(format string, args ...any) { l.emit(LevelLog, format, args...) }

// Warning logs a warning; used for conditions such as recursive lock
// attempts that are recoverable but worth flagging.
func (l *Logger) Warning(format string, args ...any) { l.emit(LevelWarning, format, args...) }

// Error logs an error-level message.
func (l *Logger) Error(format string, args ...any) { l.emit(LevelError, format, args...) }

// Panic logs a panic-level message, dumps a backtrace, and
// terminates the calling goroutine's program the way a kernel-space
// access violation panics the whole machine. symbolOwner, if
// non-empty, names the driver whose entry point was executing at the
// time of the fault; it is demangled for display since loaded drivers
// may be cross-compiled native code exporting Itanium-mangled names.
func (l *Logger) Panic(symbolOwner, format string, args ...any) {
	l.emit(LevelPanic, format, args...)
	if symbolOwner != "" {
		name := demangle.Filter(symbolOwner)
		l.emit(LevelPanic, "faulting driver symbol: %s", name)
	}
	trace := caller.Dump(2)
	l.mu.Lock()
	fmt.Fprint(l.out, trace)
	l.mu.Unlock()
	panic(fmt.Sprintf(format, args...))
}

// Debug, Log, Warning, Error, Panic log through Default.
func Debug(format string, args ...any)   { Default.Debug(format, args...) }
func Log(format string, args ...any)     { Default.Log(format, args...) }
func Warning(format string, args ...any) { Default.Warning(format, args...) }
func Error(format string, args ...any)   { Default.Error(format, args...) }
func Panic(symbolOwner, format string, args ...any) { Default.Panic(symbolOwner, format, args...) }
