// Package logging provides the leveled logger shared by the QuickDrop
// server, the service supervisor and the CLI. Output is either a plain
// key=value line for terminals or one JSON object per line.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents the severity of a log entry
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

var levelRank = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// Fields carries structured context for a log entry.
type Fields map[string]interface{}

// Logger provides structured leveled logging
type Logger struct {
	mu         sync.Mutex
	output     io.Writer
	minLevel   Level
	enableJSON bool
}

// Entry represents a structured log entry
type Entry struct {
	Level   Level  `json:"level"`
	Time    string `json:"time"`
	Message string `json:"msg"`
	Fields  Fields `json:"fields,omitempty"`
	Error   string `json:"error,omitempty"`
	Caller  string `json:"caller,omitempty"`
}

var (
	defaultMu     sync.RWMutex
	defaultLogger = New(os.Stderr, "info", "text")
)

// New builds a logger writing to output. Unknown levels fall back to info;
// format "json" selects JSON lines, anything else plain text.
func New(output io.Writer, level, format string) *Logger {
	if output == nil {
		output = os.Stderr
	}
	return &Logger{
		output:     output,
		minLevel:   ParseLevel(level),
		enableJSON: strings.EqualFold(format, "json"),
	}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return New(io.Discard, "error", "text")
}

// ParseLevel maps a level name to a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch Level(strings.ToLower(strings.TrimSpace(s))) {
	case LevelDebug:
		return LevelDebug
	case LevelWarn, "warning":
		return LevelWarn
	case LevelError:
		return LevelError
	default:
		return LevelInfo
	}
}

// Default returns the process-wide logger.
func Default() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// SetDefault replaces the process-wide logger.
func SetDefault(l *Logger) {
	if l == nil {
		return
	}
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
}

func (l *Logger) shouldLog(level Level) bool {
	return levelRank[level] >= levelRank[l.minLevel]
}

// getCaller returns the file and line number of the caller
func getCaller(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return ""
	}
	if i := strings.LastIndexByte(file, '/'); i >= 0 {
		file = file[i+1:]
	}
	return fmt.Sprintf("%s:%d", file, line)
}

func (l *Logger) log(level Level, msg string, fields Fields, err error) {
	if l == nil || !l.shouldLog(level) {
		return
	}

	entry := Entry{
		Level:   level,
		Time:    time.Now().UTC().Format(time.RFC3339),
		Message: msg,
		Fields:  fields,
		Caller:  getCaller(3),
	}
	if err != nil {
		entry.Error = err.Error()
	}

	var sb strings.Builder
	if l.enableJSON {
		data, jerr := json.Marshal(entry)
		if jerr != nil {
			data, _ = json.Marshal(Entry{Level: level, Time: entry.Time, Message: msg, Error: jerr.Error()})
		}
		sb.Write(data)
	} else {
		// Plain text format for development
		fmt.Fprintf(&sb, "[%s] %s %s", entry.Level, entry.Time, entry.Message)
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, " %s=%v", k, fields[k])
		}
		if entry.Error != "" {
			fmt.Fprintf(&sb, " error=%q", entry.Error)
		}
	}
	sb.WriteByte('\n')

	l.mu.Lock()
	_, _ = io.WriteString(l.output, sb.String())
	l.mu.Unlock()
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, fields Fields) {
	l.log(LevelDebug, msg, fields, nil)
}

// Info logs an info message
func (l *Logger) Info(msg string, fields Fields) {
	l.log(LevelInfo, msg, fields, nil)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, fields Fields, err error) {
	l.log(LevelWarn, msg, fields, err)
}

// Error logs an error message
func (l *Logger) Error(msg string, fields Fields, err error) {
	l.log(LevelError, msg, fields, err)
}
