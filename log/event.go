package log

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"
)

// LogEvent accumulates the fields of one log line as a JSON object.
// Every method is safe on a nil receiver so that disabled levels cost nothing:
//
//	log.Debug().Str("peer", addr).Msg("connected")
type LogEvent struct {
	buf    *bytes.Buffer
	level  Level
	logger Logger
}

func newEvent(logger Logger) *LogEvent {
	return &LogEvent{
		buf:    bytes.NewBuffer(make([]byte, 0, 512)),
		logger: logger,
	}
}

// Reset prepares the event for reuse.
func (e *LogEvent) Reset() {
	e.buf.Reset()
	e.buf.WriteByte('{')
	e.level = InfoLevel
}

// Level returns the severity the event was created with.
func (e *LogEvent) Level() Level {
	if e == nil {
		return InfoLevel
	}
	return e.level
}

func (e *LogEvent) key(k string) {
	if e.buf.Len() > 1 {
		e.buf.WriteByte(',')
	}
	writeJSONString(e.buf, k)
	e.buf.WriteByte(':')
}

func (e *LogEvent) Str(key, val string) *LogEvent {
	if e == nil {
		return e
	}
	e.key(key)
	writeJSONString(e.buf, val)
	return e
}

func (e *LogEvent) Strs(key string, vals []string) *LogEvent {
	if e == nil {
		return e
	}
	e.key(key)
	e.buf.WriteByte('[')
	for i, v := range vals {
		if i > 0 {
			e.buf.WriteByte(',')
		}
		writeJSONString(e.buf, v)
	}
	e.buf.WriteByte(']')
	return e
}

func (e *LogEvent) Int(key string, val int) *LogEvent {
	return e.Int64(key, int64(val))
}

func (e *LogEvent) Int32(key string, val int32) *LogEvent {
	return e.Int64(key, int64(val))
}

func (e *LogEvent) Int64(key string, val int64) *LogEvent {
	if e == nil {
		return e
	}
	e.key(key)
	e.buf.Write(strconv.AppendInt(e.buf.AvailableBuffer(), val, 10))
	return e
}

func (e *LogEvent) Uint16(key string, val uint16) *LogEvent {
	return e.Uint64(key, uint64(val))
}

func (e *LogEvent) Uint32(key string, val uint32) *LogEvent {
	return e.Uint64(key, uint64(val))
}

func (e *LogEvent) Uint64(key string, val uint64) *LogEvent {
	if e == nil {
		return e
	}
	e.key(key)
	e.buf.Write(strconv.AppendUint(e.buf.AvailableBuffer(), val, 10))
	return e
}

func (e *LogEvent) Float64(key string, val float64) *LogEvent {
	if e == nil {
		return e
	}
	e.key(key)
	e.buf.Write(strconv.AppendFloat(e.buf.AvailableBuffer(), val, 'f', -1, 64))
	return e
}

func (e *LogEvent) Bool(key string, val bool) *LogEvent {
	if e == nil {
		return e
	}
	e.key(key)
	e.buf.WriteString(strconv.FormatBool(val))
	return e
}

// Bytes writes val hex encoded.
func (e *LogEvent) Bytes(key string, val []byte) *LogEvent {
	if e == nil {
		return e
	}
	e.key(key)
	e.buf.WriteByte('"')
	e.buf.WriteString(hex.EncodeToString(val))
	e.buf.WriteByte('"')
	return e
}

func (e *LogEvent) Dur(key string, val time.Duration) *LogEvent {
	return e.Str(key, val.String())
}

// Time writes t in RFC3339 with milliseconds. A nil t is skipped.
func (e *LogEvent) Time(key string, t *time.Time) *LogEvent {
	if e == nil || t == nil {
		return e
	}
	e.key(key)
	e.buf.WriteByte('"')
	e.buf.Write(t.AppendFormat(e.buf.AvailableBuffer(), "2006-01-02T15:04:05.000Z07:00"))
	e.buf.WriteByte('"')
	return e
}

// Err writes err.Error() under "error". A nil err is skipped.
func (e *LogEvent) Err(err error) *LogEvent {
	if e == nil || err == nil {
		return e
	}
	return e.Str("error", err.Error())
}

// Any writes val with encoding/json, falling back to %v.
func (e *LogEvent) Any(key string, val any) *LogEvent {
	if e == nil {
		return e
	}
	data, err := json.Marshal(val)
	if err != nil {
		return e.Str(key, fmt.Sprintf("%v", val))
	}
	e.key(key)
	e.buf.Write(data)
	return e
}

// Msg finishes the event and hands it to the logger. The event must not be used afterwards.
func (e *LogEvent) Msg(msg string) {
	if e == nil {
		return
	}
	if msg != "" {
		e.key("message")
		writeJSONString(e.buf, msg)
	}
	e.buf.WriteString("}\n")
	e.logger.OnEventEnd(e)
}

func (e *LogEvent) Msgf(format string, args ...any) {
	if e == nil {
		return
	}
	e.Msg(fmt.Sprintf(format, args...))
}

// Send finishes the event without a message.
func (e *LogEvent) Send() {
	e.Msg("")
}

const _hexDigits = "0123456789abcdef"

func writeJSONString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	start := 0
	for i := 0; i < len(s); {
		c := s[i]
		if c >= 0x20 && c != '"' && c != '\\' && c < utf8.RuneSelf {
			i++
			continue
		}
		if c >= utf8.RuneSelf {
			r, size := utf8.DecodeRuneInString(s[i:])
			if r == utf8.RuneError && size == 1 {
				buf.WriteString(s[start:i])
				buf.WriteString("\ufffd")
				i += size
				start = i
				continue
			}
			i += size
			continue
		}
		buf.WriteString(s[start:i])
		switch c {
		case '"', '\\':
			buf.WriteByte('\\')
			buf.WriteByte(c)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			buf.WriteString(`\u00`)
			buf.WriteByte(_hexDigits[c>>4])
			buf.WriteByte(_hexDigits[c&0xf])
		}
		i++
		start = i
	}
	buf.WriteString(s[start:])
	buf.WriteByte('"')
}

type callerInfo struct {
	file     string
	function string
	line     int
	str      string
}

var _UnknownCallerInfo = newCallerInfo("???", "???", 0)

func newCallerInfo(file, function string, line int) *callerInfo {
	return &callerInfo{
		file:     file,
		function: function,
		line:     line,
		str:      file + ":" + strconv.Itoa(line) + " " + function,
	}
}

func (c *callerInfo) String() string {
	return c.str
}
