package log

import (
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lcx/uvloop/config"
)

// GameLogger is a leveled JSON logger with pluggable appenders.
//
// Events are pooled, the level check is a single atomic load, and every
// setting in LogCfg can be swapped at runtime through OnConfigChanged:
//
//	logger := NewLogger(&LogCfg{LogLevel: InfoLevel, ConsoleAppender: true})
//	logger.Info().Str("addr", "127.0.0.1:7001").Int("backlog", 128).Msg("listening")
type GameLogger struct {
	appendersMu       sync.RWMutex
	appenders         []LogAppender
	minLevel          atomic.Uint32
	callerSkip        atomic.Int32
	enabledCallerInfo atomic.Bool
	levelChange       atomic.Pointer[levelChange]
	eventPool         *sync.Pool
	callerCache       sync.Map // pc -> *callerInfo

	configManager config.ConfigManager
	configMutex   sync.RWMutex
	currentConfig *LogCfg
}

// NewLogger creates a logger from cfg, or from the package defaults when cfg is nil.
func NewLogger(cfg *LogCfg) *GameLogger {
	if cfg == nil {
		cfg = getDefaultCfg()
	}

	logger := &GameLogger{currentConfig: cfg}
	logger.applyConfig(cfg)

	logger.eventPool = &sync.Pool{
		New: func() any {
			return newEvent(logger)
		},
	}

	if cfg.FileAppender {
		logger.AddAppender(NewFileAppender(cfg, logger))
	}
	if cfg.ConsoleAppender {
		logger.AddAppender(NewConsoleAppender())
	}

	return logger
}

// NewLoggerWithConfigManager creates a logger that follows reloads of the
// "logger" section in configManager.
func NewLoggerWithConfigManager(cfg *LogCfg, configManager config.ConfigManager) *GameLogger {
	logger := NewLogger(cfg)
	logger.configManager = configManager

	if configManager != nil {
		configManager.AddChangeListener(logger)
		logger.reconfigureAppendersWithConfigManager(configManager)
	}

	return logger
}

// reconfigureAppendersWithConfigManager rebuilds the appenders from the
// section stored in configManager. When the section is absent the appenders
// built from cfg are kept.
func (x *GameLogger) reconfigureAppendersWithConfigManager(configManager config.ConfigManager) {
	c, err := configManager.GetConfig(LoggerConfigName)
	if err != nil {
		return
	}
	logCfg, ok := c.(*LogCfg)
	if !ok {
		return
	}

	var appenders []LogAppender
	if logCfg.FileAppender {
		appenders = append(appenders, NewFileAppenderWithConfigManager(configManager, x))
	}
	if logCfg.ConsoleAppender {
		appenders = append(appenders, NewConsoleAppender())
	}

	x.appendersMu.Lock()
	old := x.appenders
	x.appenders = appenders
	x.appendersMu.Unlock()

	for _, a := range old {
		_ = a.Close()
	}
}

func (x *GameLogger) GetConfigName() string {
	return LoggerConfigName
}

// OnConfigChanged applies a reloaded LogCfg and forwards it to appenders that
// listen for config changes.
func (x *GameLogger) OnConfigChanged(configName string, newConfig, oldConfig config.Config) error {
	if configName != LoggerConfigName {
		return nil
	}
	newLogCfg, ok := newConfig.(*LogCfg)
	if !ok {
		return nil
	}

	x.updateConfig(newLogCfg)

	for _, appender := range x.GetAppender() {
		if listener, ok := appender.(config.ConfigChangeListener); ok {
			if err := listener.OnConfigChanged(configName, newConfig, oldConfig); err != nil {
				x.Error().Err(err).Msg("Failed to notify appender about config change")
			}
		}
	}

	return nil
}

func (x *GameLogger) applyConfig(cfg *LogCfg) {
	x.minLevel.Store(uint32(cfg.LogLevel))
	x.callerSkip.Store(int32(cfg.CallerSkip))
	x.enabledCallerInfo.Store(cfg.EnabledCallerInfo)
	x.levelChange.Store(newLevelChange(cfg.LevelChange))
}

func (x *GameLogger) updateConfig(newCfg *LogCfg) {
	x.configMutex.Lock()
	defer x.configMutex.Unlock()

	x.applyConfig(newCfg)
	x.currentConfig = newCfg
	x.Refresh()
}

// GetCurrentConfig returns the configuration currently applied.
func (x *GameLogger) GetCurrentConfig() *LogCfg {
	x.configMutex.RLock()
	defer x.configMutex.RUnlock()
	return x.currentConfig
}

// SetLevel changes the minimum level without touching the rest of the configuration.
func (x *GameLogger) SetLevel(level Level) {
	x.minLevel.Store(uint32(level))
}

func (x *GameLogger) checkLevel(level Level) bool {
	return Level(x.minLevel.Load()) <= level
}

func (x *GameLogger) AddAppender(appender LogAppender) {
	x.appendersMu.Lock()
	defer x.appendersMu.Unlock()
	x.appenders = append(x.appenders, appender)
}

func (x *GameLogger) GetAppender() []LogAppender {
	x.appendersMu.RLock()
	defer x.appendersMu.RUnlock()
	return x.appenders
}

// Refresh flushes every appender.
func (x *GameLogger) Refresh() {
	for _, appender := range x.GetAppender() {
		appender.Refresh()
	}
}

// Close flushes and closes every appender.
func (x *GameLogger) Close() error {
	if x.configManager != nil {
		x.configManager.RemoveChangeListener(x)
	}
	var firstErr error
	for _, appender := range x.GetAppender() {
		if err := appender.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (x *GameLogger) IgnoreCheckLevel() bool {
	return false
}

func (x *GameLogger) newEvent() *LogEvent {
	e := x.eventPool.Get().(*LogEvent)
	e.Reset()
	return e
}

// OnEventEnd writes a finished event to every appender and recycles it.
// Fatal events panic after being written.
func (x *GameLogger) OnEventEnd(e *LogEvent) {
	line := e.buf.Bytes()
	for _, appender := range x.GetAppender() {
		_, _ = appender.Write(line)
	}

	if e.level == FatalLevel {
		x.Refresh()
		panic(string(line))
	}

	x.eventPool.Put(e)
}

func (x *GameLogger) Trace() *LogEvent {
	return x.log(TraceLevel)
}

func (x *GameLogger) Debug() *LogEvent {
	return x.log(DebugLevel)
}

func (x *GameLogger) Info() *LogEvent {
	return x.log(InfoLevel)
}

func (x *GameLogger) Warn() *LogEvent {
	return x.log(WarnLevel)
}

func (x *GameLogger) Error() *LogEvent {
	return x.log(ErrorLevel)
}

// Fatal events panic once written.
func (x *GameLogger) Fatal() *LogEvent {
	return x.log(FatalLevel)
}

// getCallerInfo resolves the file:line of the code that called Info/Debug/...
// The result is cached by program counter.
func (x *GameLogger) getCallerInfo() *callerInfo {
	pc, file, line, ok := runtime.Caller(3 + int(x.callerSkip.Load()))
	if !ok {
		return _UnknownCallerInfo
	}

	if cached, found := x.callerCache.Load(pc); found {
		return cached.(*callerInfo)
	}

	funcName := ""
	if fn := runtime.FuncForPC(pc); fn != nil {
		funcName = fn.Name()
	}
	function := funcName
	if dotIdx := strings.LastIndexByte(funcName, '.'); dotIdx != -1 {
		function = funcName[dotIdx+1:]
	}

	// keep "dir/file.go"
	if lastSlash := strings.LastIndexByte(file, '/'); lastSlash > 0 {
		if secondLastSlash := strings.LastIndexByte(file[:lastSlash], '/'); secondLastSlash >= 0 {
			file = file[secondLastSlash+1:]
		}
	}

	c := newCallerInfo(file, function, line)
	x.callerCache.Store(pc, c)
	return c
}

func (x *GameLogger) log(level Level) *LogEvent {
	var info *callerInfo
	if !x.IgnoreCheckLevel() && !x.checkLevel(level) {
		lc := x.levelChange.Load()
		if lc.Empty() {
			return nil
		}
		info = x.getCallerInfo()
		override, ok := lc.GetLevel(info.file, info.line)
		if !ok || level < override {
			return nil
		}
	}

	e := x.newEvent()
	e.level = level

	t := time.Now()
	e.Time("time", &t)
	e.Str("level", level.String())

	if x.enabledCallerInfo.Load() {
		if info == nil {
			info = x.getCallerInfo()
		}
		e.Str("caller", info.String())
	}

	return e
}
