package log

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lcx/uvloop/config"
)

// LogAppender is an output destination for finished log lines.
type LogAppender interface {
	Write(p []byte) (int, error)
	// Refresh flushes anything buffered. It returns once already queued lines are on disk.
	Refresh()
	Close() error
}

// ConsoleAppender writes log lines to stdout.
type ConsoleAppender struct {
	mu sync.Mutex
}

func NewConsoleAppender() *ConsoleAppender {
	return &ConsoleAppender{}
}

func (a *ConsoleAppender) Write(p []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return os.Stdout.Write(p)
}

func (a *ConsoleAppender) Refresh() {}

func (a *ConsoleAppender) Close() error { return nil }

const (
	_defaultAsyncCacheSize    = 1024
	_defaultAsyncWriteMillSec = 200
)

// FileAppender writes log lines to LogPath, rotating by size (FileSplitMB) and
// once a day at FileSplitHour. In async mode lines are queued and written by a
// background goroutine through a buffered writer.
//
// Rotated files are renamed to <LogPath>.<timestamp>.<seq>.
type FileAppender struct {
	mu     sync.RWMutex // guards cfg and the async pipeline
	fileMu sync.Mutex   // guards file, writer and size
	cfg    *LogCfg
	logger *GameLogger

	file     *os.File
	writer   *bufio.Writer
	size     int64
	openedAt time.Time
	seq      atomic.Uint32

	queue   chan []byte
	flushCh chan chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewFileAppender creates a file appender from cfg. logger may be nil.
func NewFileAppender(cfg *LogCfg, logger *GameLogger) *FileAppender {
	if cfg == nil {
		cfg = getDefaultCfg()
	}
	a := &FileAppender{cfg: cfg, logger: logger}
	if cfg.IsAsync {
		a.startAsync()
	}
	return a
}

// NewFileAppenderWithConfigManager creates a file appender from the "logger"
// section held by configManager, falling back to defaults when absent.
func NewFileAppenderWithConfigManager(configManager config.ConfigManager, logger *GameLogger) *FileAppender {
	cfg := getDefaultCfg()
	if configManager != nil {
		if c, err := configManager.GetConfig(LoggerConfigName); err == nil {
			if logCfg, ok := c.(*LogCfg); ok {
				cfg = logCfg
			}
		}
	}
	return NewFileAppender(cfg, logger)
}

// GetCurrentConfig returns the configuration the appender is running with.
func (a *FileAppender) GetCurrentConfig() *LogCfg {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

func (a *FileAppender) GetConfigName() string {
	return LoggerConfigName
}

// OnConfigChanged switches path, rotation and sync/async mode. Queued lines are
// written to the old file before the switch.
func (a *FileAppender) OnConfigChanged(configName string, newConfig, oldConfig config.Config) error {
	if configName != LoggerConfigName {
		return nil
	}
	newCfg, ok := newConfig.(*LogCfg)
	if !ok {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.stopAsync()

	a.fileMu.Lock()
	err := a.closeFile()
	a.cfg = newCfg
	a.fileMu.Unlock()

	if newCfg.IsAsync {
		a.startAsync()
	}
	return err
}

func (a *FileAppender) Write(p []byte) (int, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.queue != nil {
		line := make([]byte, len(p))
		copy(line, p)
		a.queue <- line
		return len(p), nil
	}

	a.fileMu.Lock()
	defer a.fileMu.Unlock()
	return a.writeFile(p, false)
}

func (a *FileAppender) Refresh() {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.flushCh == nil {
		return
	}
	ack := make(chan struct{})
	a.flushCh <- ack
	<-ack
}

func (a *FileAppender) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.stopAsync()

	a.fileMu.Lock()
	defer a.fileMu.Unlock()
	return a.closeFile()
}

func (a *FileAppender) startAsync() {
	size := a.cfg.AsyncCacheSize
	if size <= 0 {
		size = _defaultAsyncCacheSize
	}
	interval := a.cfg.AsyncWriteMillSec
	if interval <= 0 {
		interval = _defaultAsyncWriteMillSec
	}

	a.queue = make(chan []byte, size)
	a.flushCh = make(chan chan struct{})
	a.stopCh = make(chan struct{})
	a.doneCh = make(chan struct{})

	go a.serveAsync(a.queue, a.flushCh, a.stopCh, a.doneCh, time.Duration(interval)*time.Millisecond)
}

// stopAsync must be called with a.mu held for writing.
func (a *FileAppender) stopAsync() {
	if a.queue == nil {
		return
	}
	close(a.stopCh)
	<-a.doneCh
	a.queue, a.flushCh, a.stopCh, a.doneCh = nil, nil, nil, nil
}

func (a *FileAppender) serveAsync(queue chan []byte, flushCh chan chan struct{}, stopCh, doneCh chan struct{}, interval time.Duration) {
	defer close(doneCh)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	drain := func() {
		a.fileMu.Lock()
		defer a.fileMu.Unlock()
		for {
			select {
			case line := <-queue:
				a.writeLine(line)
			default:
				a.flush()
				return
			}
		}
	}

	for {
		select {
		case line := <-queue:
			a.fileMu.Lock()
			a.writeLine(line)
			a.fileMu.Unlock()
		case <-ticker.C:
			a.fileMu.Lock()
			a.flush()
			a.fileMu.Unlock()
		case ack := <-flushCh:
			drain()
			close(ack)
		case <-stopCh:
			drain()
			return
		}
	}
}

func (a *FileAppender) writeLine(line []byte) {
	if _, err := a.writeFile(line, true); err != nil {
		fmt.Fprintf(os.Stderr, "log: write %s failed: %v\n", a.cfg.LogPath, err)
	}
}

// writeFile must be called with fileMu held.
func (a *FileAppender) writeFile(p []byte, buffered bool) (int, error) {
	if err := a.rotateIfNeeded(int64(len(p))); err != nil {
		return 0, err
	}
	if a.file == nil {
		if err := a.openFile(); err != nil {
			return 0, err
		}
	}

	var n int
	var err error
	if buffered {
		n, err = a.writer.Write(p)
	} else {
		if a.writer.Buffered() > 0 {
			_ = a.writer.Flush()
		}
		n, err = a.file.Write(p)
	}
	a.size += int64(n)
	return n, err
}

func (a *FileAppender) flush() {
	if a.writer != nil {
		_ = a.writer.Flush()
	}
}

func (a *FileAppender) openFile() error {
	path := a.cfg.LogPath
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	a.file = f
	a.writer = bufio.NewWriterSize(f, 64*1024)
	a.size = info.Size()
	a.openedAt = time.Now()
	return nil
}

func (a *FileAppender) closeFile() error {
	if a.file == nil {
		return nil
	}
	a.flush()
	err := a.file.Close()
	a.file, a.writer, a.size = nil, nil, 0
	return err
}

func (a *FileAppender) rotateIfNeeded(incoming int64) error {
	if a.file == nil {
		return nil
	}

	rotate := false
	if limit := int64(a.cfg.FileSplitMB) * 1024 * 1024; limit > 0 && a.size > 0 && a.size+incoming > limit {
		rotate = true
	}
	if !rotate {
		now := time.Now()
		boundary := time.Date(now.Year(), now.Month(), now.Day(), a.cfg.FileSplitHour, 0, 0, 0, now.Location())
		if now.Before(boundary) {
			boundary = boundary.AddDate(0, 0, -1)
		}
		rotate = a.openedAt.Before(boundary)
	}
	if !rotate {
		return nil
	}

	if err := a.closeFile(); err != nil {
		return err
	}
	rotated := fmt.Sprintf("%s.%s.%d", a.cfg.LogPath, time.Now().Format("20060102-150405"), a.seq.Add(1))
	return os.Rename(a.cfg.LogPath, rotated)
}
