// Package blog adapts the engine's ambient logging onto
// github.com/lni/dragonboat/v4/logger.ILogger, the same interface the
// corpus wraps with its own formatter. Only the logger subpackage is kept
// from that dependency: everything else it ships (NodeHost, raft,
// state-machine replication) has no home here since replication is out of
// scope for this module.
package blog

import (
	"fmt"
	"log"
	"os"
	"sync"

	dlogger "github.com/lni/dragonboat/v4/logger"
)

// Level mirrors dragonboat's logger.LogLevel ordering.
type Level int

const (
	LevelError Level = iota
	LevelWarning
	LevelInfo
	LevelDebug
)

func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarning
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// birchLogger is a dlogger.ILogger backed by the standard library's log
// package, formatted "LEVEL | name | message" the way the corpus's own
// logger adapter does.
type birchLogger struct {
	name  string
	level dlogger.LogLevel
	std   *log.Logger
}

var _ dlogger.ILogger = (*birchLogger)(nil)

var globalLevel = LevelInfo
var globalMu sync.Mutex

// SetGlobalLevel configures the level newly created loggers (and any
// already created via CreateLogger, since level is checked per-call) will
// emit at.
func SetGlobalLevel(l Level) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLevel = l
}

// Named returns a logger for the given subsystem name.
func Named(name string) dlogger.ILogger {
	return &birchLogger{
		name: name,
		std:  log.New(os.Stdout, "", log.LstdFlags|log.Lmicroseconds),
	}
}

func (l *birchLogger) currentLevel() Level {
	globalMu.Lock()
	defer globalMu.Unlock()
	return globalLevel
}

func (l *birchLogger) SetLevel(level dlogger.LogLevel) { l.level = level }

func (l *birchLogger) emit(tag string, min Level, format string, args ...interface{}) {
	if l.currentLevel() < min {
		return
	}
	l.std.Printf("%-5s | %-15s | %s", tag, l.name, fmt.Sprintf(format, args...))
}

func (l *birchLogger) Debugf(format string, args ...interface{}) {
	l.emit("DEBUG", LevelDebug, format, args...)
}
func (l *birchLogger) Infof(format string, args ...interface{}) {
	l.emit("INFO", LevelInfo, format, args...)
}
func (l *birchLogger) Warningf(format string, args ...interface{}) {
	l.emit("WARN", LevelWarning, format, args...)
}
func (l *birchLogger) Errorf(format string, args ...interface{}) {
	l.emit("ERROR", LevelError, format, args...)
}
func (l *birchLogger) Panicf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	l.std.Printf("%-5s | %-15s | %s", "PANIC", l.name, msg)
	panic(msg)
}

// InitLoggers registers birchLogger as the factory dragonboat's logger
// package hands out for every named subsystem, and applies the configured
// level globally.
func InitLoggers(level string) {
	SetGlobalLevel(ParseLevel(level))
	dlogger.SetLoggerFactory(func(pkgName string) dlogger.ILogger {
		return Named(pkgName)
	})
}
