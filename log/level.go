package log

// Level is the severity of a log event. Higher values are more severe.
type Level uint32

const (
	TraceLevel Level = iota
	DebugLevel
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

var _levelNames = [...]string{
	TraceLevel: "trace",
	DebugLevel: "debug",
	InfoLevel:  "info",
	WarnLevel:  "warn",
	ErrorLevel: "error",
	FatalLevel: "fatal",
}

func (l Level) String() string {
	if int(l) < len(_levelNames) {
		return _levelNames[l]
	}
	return "unknown"
}

// ParseLevel maps a level name back to its Level. Unknown names return InfoLevel and false.
func ParseLevel(name string) (Level, bool) {
	for i, n := range _levelNames {
		if n == name {
			return Level(i), true
		}
	}
	return InfoLevel, false
}
