// Package logger provides a small leveled logger with per-component tags
// and optional structured fields. All bridge components log through it so
// that a single destination (stderr plus an optional rotated file) carries
// the full event trail.
package logger

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = map[Level]string{
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARN",
	LevelError: "ERROR",
}

// ParseLevel maps a config string to a Level. Unknown values fall back to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

var (
	mu       sync.Mutex
	minLevel = LevelInfo
	out      io.Writer = os.Stderr
	fileSink *lumberjack.Logger
)

// SetLevel sets the minimum level emitted.
func SetLevel(level Level) {
	mu.Lock()
	defer mu.Unlock()
	minLevel = level
}

// SetOutput replaces the primary sink. Used by tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
}

// EnableFile adds a size-rotated file sink alongside the primary sink.
func EnableFile(path string) {
	mu.Lock()
	defer mu.Unlock()
	fileSink = &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // MB
		MaxBackups: 3,
		MaxAge:     14, // days
	}
}

func logf(level Level, component, msg string, fields map[string]interface{}) {
	mu.Lock()
	defer mu.Unlock()
	if level < minLevel {
		return
	}
	var b strings.Builder
	b.WriteString(time.Now().Format("2006-01-02 15:04:05.000"))
	b.WriteString(" [")
	b.WriteString(levelNames[level])
	b.WriteString("] [")
	b.WriteString(component)
	b.WriteString("] ")
	b.WriteString(msg)
	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, fields[k])
		}
	}
	b.WriteString("\n")
	line := b.String()
	io.WriteString(out, line)
	if fileSink != nil {
		io.WriteString(fileSink, line)
	}
}

func DebugC(component, msg string) { logf(LevelDebug, component, msg, nil) }
func InfoC(component, msg string)  { logf(LevelInfo, component, msg, nil) }
func WarnC(component, msg string)  { logf(LevelWarn, component, msg, nil) }
func ErrorC(component, msg string) { logf(LevelError, component, msg, nil) }

func DebugCF(component, msg string, fields map[string]interface{}) {
	logf(LevelDebug, component, msg, fields)
}

func InfoCF(component, msg string, fields map[string]interface{}) {
	logf(LevelInfo, component, msg, fields)
}

func WarnCF(component, msg string, fields map[string]interface{}) {
	logf(LevelWarn, component, msg, fields)
}

func ErrorCF(component, msg string, fields map[string]interface{}) {
	logf(LevelError, component, msg, fields)
}
