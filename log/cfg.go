package log

import "fmt"

// LoggerConfigName is the config section the logger is loaded from and listens on.
const LoggerConfigName = "logger"

// LogCfg configures GameLogger and its appenders. Level, rotation, appender
// mode and level overrides can all be changed at runtime through the config
// manager.
type LogCfg struct {
	// LogPath is the file written by the file appender. Missing directories are created.
	LogPath string `mapstructure:"path"`

	// LogLevel is the minimum level written, as its numeric value (0 trace .. 5 fatal).
	LogLevel Level `mapstructure:"level"`

	// FileSplitMB rotates the file once it would grow past this size. 0 disables size rotation.
	FileSplitMB int `mapstructure:"splitmb"`

	// FileSplitHour is the hour of day (0-23) at which the file is rotated daily.
	FileSplitHour int `mapstructure:"splithour"`

	// IsAsync queues lines and writes them from a background goroutine.
	IsAsync bool `mapstructure:"isasync"`

	// AsyncCacheSize bounds the async queue. Writers block when it is full. Default 1024.
	AsyncCacheSize int `mapstructure:"asynccachesize"`

	// AsyncWriteMillSec is the flush interval of the async writer. Default 200ms.
	AsyncWriteMillSec int `mapstructure:"asyncwritemillsec"`

	// CallerSkip is the number of extra stack frames between the caller and the logger.
	CallerSkip int `mapstructure:"callerSkip"`

	FileAppender    bool `mapstructure:"fileAppender"`
	ConsoleAppender bool `mapstructure:"consoleAppender"`

	// LevelChange lowers the level for individual log statements, see LevelChangeEntry.
	LevelChange []LevelChangeEntry `mapstructure:"levelChange"`

	EnabledCallerInfo bool `mapstructure:"enabledCallerInfo"`
}

func (cfg *LogCfg) GetName() string {
	return LoggerConfigName
}

func (cfg *LogCfg) Validate() error {
	if cfg.LogLevel > FatalLevel {
		return fmt.Errorf("invalid log level %d", cfg.LogLevel)
	}
	if cfg.FileSplitMB < 0 {
		return fmt.Errorf("splitmb must not be negative: %d", cfg.FileSplitMB)
	}
	if cfg.FileSplitHour < 0 || cfg.FileSplitHour > 23 {
		return fmt.Errorf("splithour must be in [0,23]: %d", cfg.FileSplitHour)
	}
	if cfg.FileAppender && cfg.LogPath == "" {
		return fmt.Errorf("path is required when fileAppender is enabled")
	}
	if cfg.AsyncCacheSize < 0 || cfg.AsyncWriteMillSec < 0 {
		return fmt.Errorf("async settings must not be negative")
	}
	return nil
}

var _defaultCfg = &LogCfg{
	LogPath:         "./uvloop.log",
	LogLevel:        DebugLevel,
	FileSplitMB:     50,
	FileSplitHour:   0,
	IsAsync:         true,
	CallerSkip:      1,
	FileAppender:    false,
	ConsoleAppender: true,
}

func getDefaultCfg() *LogCfg {
	return _defaultCfg
}
