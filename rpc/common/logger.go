// Package common provides logging utilities for the application
package common

import (
	"fmt"
	"github.com/lni/dragonboat/v4/logger"
	"log"
	"os"
	"strings"
)

// --------------------------------------------------------------------------
// Custom Logger (implements dragenboats logger.ILogger)
// --------------------------------------------------------------------------

// birchLogger implements the ILogger interface with custom formatting.
type birchLogger struct {
	name   string
	level  logger.LogLevel
	logger *log.Logger
}

func (l *birchLogger) SetLevel(level logger.LogLevel) {
	l.level = level
}

func (l *birchLogger) Debugf(format string, args ...interface{}) {
	if l.level >= logger.DEBUG {
		l.log("DEBUG", format, args...)
	}
}

func (l *birchLogger) Infof(format string, args ...interface{}) {
	if l.level >= logger.INFO {
		l.log("INFO", format, args...)
	}
}

func (l *birchLogger) Warningf(format string, args ...interface{}) {
	if l.level >= logger.WARNING {
		l.log("WARN", format, args...)
	}
}

func (l *birchLogger) Errorf(format string, args ...interface{}) {
	if l.level >= logger.ERROR {
		l.log("ERROR", format, args...)
	}
}

func (l *birchLogger) Panicf(format string, args ...interface{}) {
	if l.level >= logger.CRITICAL {
		panic(fmt.Sprintf(format, args...))
	}
}

// log formats and writes a log message; used by the public methods above.
func (l *birchLogger) log(levelStr string, format string, args ...interface{}) {
	message := fmt.Sprintf(format, args...)
	l.logger.Printf("%-5s | %-15s | %s", levelStr, l.name, message)
}

// --------------------------------------------------------------------------
// Logger Factory
// --------------------------------------------------------------------------

// CreateLogger is the logger factory installed by InitLoggers; it returns a
// birchLogger at INFO level for pkgName.
func CreateLogger(pkgName string) logger.ILogger {
	// Create standard logger with custom flags
	stdLogger := log.New(os.Stdout, "", log.Ldate|log.Ltime)

	return &birchLogger{
		name:   pkgName,
		level:  logger.INFO,
		logger: stdLogger,
	}
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// parseLogLevel converts a string level to logger.LogLevel
func parseLogLevel(level string) logger.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return logger.DEBUG
	case "info":
		return logger.INFO
	case "warning", "warn":
		return logger.WARNING
	case "error":
		return logger.ERROR
	default:
		panic(fmt.Sprintf("invalid log level: %s. must be one of debug, info, warn, error", level))
	}
}

// --------------------------------------------------------------------------
// Logger initialization
// --------------------------------------------------------------------------

// InitLoggers installs the custom logger factory and sets every named
// subsystem logger to config.LogLevel. The list covers the names packages
// pass to logger.GetLogger: the engine core ("engine"), the RPC client and
// server ("rpc") and the HTTP transport ("transport/rpc").
func InitLoggers(config ServerConfig) {
	logger.SetLoggerFactory(CreateLogger)

	level := parseLogLevel(config.LogLevel)
	for _, name := range []string{"engine", "checkpoint", "hlog", "hashindex", "rpc", "transport/rpc"} {
		logger.GetLogger(name).SetLevel(level)
	}
}
