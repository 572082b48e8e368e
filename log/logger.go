// Package log is a small leveled JSON logger used across the module.
//
// The package-level functions write through a default logger that prints to
// stdout at debug level until Initialize or SetDefaultLogger replaces it.
package log

import (
	"sync/atomic"

	"github.com/lcx/uvloop/config"
)

type Logger interface {
	Trace() *LogEvent
	Debug() *LogEvent
	Info() *LogEvent
	Warn() *LogEvent
	Error() *LogEvent
	Fatal() *LogEvent
	IgnoreCheckLevel() bool
	GetAppender() []LogAppender
	AddAppender(appender LogAppender)
	OnEventEnd(e *LogEvent)
}

var _defaultLogger atomic.Pointer[GameLogger]

func init() {
	_defaultLogger.Store(NewLogger(nil))
}

func defaultLogger() *GameLogger {
	return _defaultLogger.Load()
}

// DefaultLogger returns the logger behind the package-level functions.
func DefaultLogger() *GameLogger {
	return defaultLogger()
}

// AddAppender adds an appender to the default logger.
func AddAppender(appender LogAppender) {
	defaultLogger().AddAppender(appender)
}

// Refresh flushes the default logger's appenders.
func Refresh() {
	defaultLogger().Refresh()
}

// SetDefaultLogger replaces the logger behind the package-level functions.
func SetDefaultLogger(logger *GameLogger) {
	if logger == nil {
		return
	}
	_defaultLogger.Store(logger)
}

// InitializeWithConfigManager loads the "logger" section from configManager
// and installs a default logger that follows its reloads.
func InitializeWithConfigManager(configManager config.ConfigManager) error {
	if configManager == nil {
		return nil
	}

	logCfg := &LogCfg{}
	if err := configManager.LoadConfig(LoggerConfigName, logCfg); err != nil {
		return err
	}

	SetDefaultLogger(NewLoggerWithConfigManager(logCfg, configManager))
	return nil
}

// Initialize is InitializeWithConfigManager on the process wide config manager.
func Initialize() error {
	return InitializeWithConfigManager(config.GetInstance())
}

func Trace() *LogEvent {
	return defaultLogger().Trace()
}

func Debug() *LogEvent {
	return defaultLogger().Debug()
}

func Info() *LogEvent {
	return defaultLogger().Info()
}

func Warn() *LogEvent {
	return defaultLogger().Warn()
}

func Error() *LogEvent {
	return defaultLogger().Error()
}

func Fatal() *LogEvent {
	return defaultLogger().Fatal()
}
