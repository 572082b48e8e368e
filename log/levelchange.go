package log

import "strings"

// LevelChangeEntry lowers the effective level for a single log statement,
// identified by the tail of its source path and its line number.
type LevelChangeEntry struct {
	FileName string `mapstructure:"file"`
	LineNum  int    `mapstructure:"line"`
	LogLevel int    `mapstructure:"level"`
}

type levelChange struct {
	entries []LevelChangeEntry
}

func newLevelChange(entries []LevelChangeEntry) *levelChange {
	c := &levelChange{}
	for _, e := range entries {
		if e.FileName == "" || e.LineNum <= 0 {
			continue
		}
		c.entries = append(c.entries, e)
	}
	return c
}

// Empty reports whether there are no overrides. Nil receivers are empty.
func (c *levelChange) Empty() bool {
	return c == nil || len(c.entries) == 0
}

// GetLevel returns the overriding minimum level for file:line, if any.
func (c *levelChange) GetLevel(file string, line int) (Level, bool) {
	if c.Empty() {
		return 0, false
	}
	for _, e := range c.entries {
		if e.LineNum == line && strings.HasSuffix(file, e.FileName) {
			return Level(e.LogLevel), true
		}
	}
	return 0, false
}
