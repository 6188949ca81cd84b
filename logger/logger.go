// Package logger provides leveled, structured logging for Printernizer
// components. Context is passed as alternating key/value pairs.
package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the severity level of a log message
type LogLevel int

const (
	ERROR LogLevel = iota
	WARN
	INFO
	DEBUG
	TRACE
)

var levelNames = map[LogLevel]string{
	ERROR: "ERROR",
	WARN:  "WARN",
	INFO:  "INFO",
	DEBUG: "DEBUG",
	TRACE: "TRACE",
}

// ParseLevel maps a config string to a LogLevel. Unknown values default to INFO.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "error":
		return ERROR
	case "warn", "warning":
		return WARN
	case "debug":
		return DEBUG
	case "trace":
		return TRACE
	default:
		return INFO
	}
}

// LogEntry represents a single log entry
type LogEntry struct {
	Timestamp time.Time
	Level     LogLevel
	Message   string
	Context   map[string]interface{}
}

type rateLimiter struct {
	lastLog  time.Time
	interval time.Duration
}

// Logger provides structured logging with levels
type Logger struct {
	mu            sync.Mutex
	level         LogLevel
	currentFile   *os.File
	consoleOutput bool
	rateLimiters  map[string]*rateLimiter
	now           func() time.Time
}

// New creates a new Logger writing to the console. If logDir is non-empty,
// entries are additionally appended to printernizer.log in that directory.
func New(level LogLevel, logDir string) *Logger {
	l := &Logger{
		level:         level,
		consoleOutput: true,
		rateLimiters:  make(map[string]*rateLimiter),
		now:           time.Now,
	}
	if logDir != "" {
		if err := os.MkdirAll(logDir, 0o755); err == nil {
			path := filepath.Join(logDir, "printernizer.log")
			if f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
				l.currentFile = f
			}
		}
	}
	return l
}

// SetConsoleOutput enables or disables console output
func (l *Logger) SetConsoleOutput(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.consoleOutput = enabled
}

// SetLevel changes the current log level
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// GetLevel returns the current log level
func (l *Logger) GetLevel() LogLevel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// Error logs an error level message
func (l *Logger) Error(msg string, context ...interface{}) {
	l.log(ERROR, msg, context...)
}

// Warn logs a warning level message
func (l *Logger) Warn(msg string, context ...interface{}) {
	l.log(WARN, msg, context...)
}

// WarnRateLimited logs a warning with rate limiting (max once per interval)
func (l *Logger) WarnRateLimited(key string, interval time.Duration, msg string, context ...interface{}) {
	l.mu.Lock()
	limiter, exists := l.rateLimiters[key]
	if !exists {
		limiter = &rateLimiter{interval: interval}
		l.rateLimiters[key] = limiter
	}
	now := l.now()
	if now.Sub(limiter.lastLog) < limiter.interval {
		l.mu.Unlock()
		return
	}
	limiter.lastLog = now
	l.mu.Unlock()

	l.log(WARN, msg, context...)
}

// Info logs an info level message
func (l *Logger) Info(msg string, context ...interface{}) {
	l.log(INFO, msg, context...)
}

// Debug logs a debug level message
func (l *Logger) Debug(msg string, context ...interface{}) {
	l.log(DEBUG, msg, context...)
}

// Trace logs a trace level message
func (l *Logger) Trace(msg string, context ...interface{}) {
	l.log(TRACE, msg, context...)
}

// Close flushes and closes the log file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.currentFile != nil {
		err := l.currentFile.Close()
		l.currentFile = nil
		return err
	}
	return nil
}

// log is the internal logging function
func (l *Logger) log(level LogLevel, msg string, context ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level > l.level {
		return
	}

	ctx := make(map[string]interface{})
	for i := 0; i < len(context)-1; i += 2 {
		if key, ok := context[i].(string); ok {
			ctx[key] = context[i+1]
		}
	}

	entry := LogEntry{
		Timestamp: l.now(),
		Level:     level,
		Message:   msg,
		Context:   ctx,
	}
	line := formatEntry(entry)

	if l.consoleOutput {
		if level <= WARN {
			fmt.Fprintln(os.Stderr, line)
		} else {
			fmt.Fprintln(os.Stdout, line)
		}
	}
	if l.currentFile != nil {
		fmt.Fprintln(l.currentFile, line)
	}
}

func formatEntry(e LogEntry) string {
	var b strings.Builder
	b.WriteString(e.Timestamp.Format("2006-01-02 15:04:05.000"))
	b.WriteString(" [")
	b.WriteString(levelNames[e.Level])
	b.WriteString("] ")
	b.WriteString(e.Message)
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, e.Context[k])
		}
	}
	return b.String()
}
