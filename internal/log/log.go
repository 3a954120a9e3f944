// Package log provides the server's single leveled log sink.
//
// Modeled on the teacher's in-house logging package rather than a
// third-party logger: a package-level sink, a minimum level filter, and
// printf-style helpers called from every other package.
package log

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Level is a log verbosity threshold.
type Level int

// Log levels, lowest to highest severity.
const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

var levelNames = map[Level]string{
	DebugLevel: "DEBUG",
	InfoLevel:  "INFO",
	WarnLevel:  "WARN",
	ErrorLevel: "ERROR",
}

// ParseLevel maps a configuration string to a Level, defaulting to Info.
func ParseLevel(s string) Level {
	switch s {
	case "DEBUG", "debug":
		return DebugLevel
	case "WARN", "warn":
		return WarnLevel
	case "ERROR", "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

var (
	mu       sync.Mutex
	sink     io.Writer = os.Stderr
	minLevel           = InfoLevel
)

// Init points the log sink at w and sets the minimum level that will be
// written. The caller owns w's lifetime (closing it on shutdown).
func Init(w io.Writer, level Level) {
	mu.Lock()
	defer mu.Unlock()
	sink = w
	minLevel = level
}

func write(level Level, format string, args ...interface{}) {
	mu.Lock()
	defer mu.Unlock()
	if level < minLevel || sink == nil {
		return
	}
	ts := time.Now().Format("2006-01-02 15:04:05")
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(sink, "[%s] [%s] %s\n", ts, levelNames[level], msg)
}

// Debugf logs at debug level.
func Debugf(format string, args ...interface{}) { write(DebugLevel, format, args...) }

// Infof logs at info level.
func Infof(format string, args ...interface{}) { write(InfoLevel, format, args...) }

// Warnf logs at warn level.
func Warnf(format string, args ...interface{}) { write(WarnLevel, format, args...) }

// Errorf logs at error level.
func Errorf(format string, args ...interface{}) { write(ErrorLevel, format, args...) }

// Error logs err at error level, if non-nil.
func Error(err error) {
	if err == nil {
		return
	}
	write(ErrorLevel, "%v", err)
}
