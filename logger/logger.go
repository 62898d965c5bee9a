// logger/logger.go
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

// Fields is a set of structured key/value pairs attached to one entry.
type Fields = logrus.Fields

var (
	console = newConsole(os.Stdout)
	file    *logrus.Logger
	logFile *os.File
	mu      sync.RWMutex
)

func newConsole(w io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.DebugLevel)
	return l
}

// Init initializes the logger with optional file and console output
// If filename is empty, logs only to console
// If console is false, logs only to file
func Init(filename string, toConsole bool) error {
	mu.Lock()
	defer mu.Unlock()

	level := console.GetLevel()
	if logFile != nil {
		logFile.Close()
		logFile = nil
		file = nil
	}

	if filename != "" {
		f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		logFile = f
		file = logrus.New()
		file.SetOutput(f)
		file.SetFormatter(&logrus.JSONFormatter{})
		file.SetLevel(level)
	}

	if !toConsole {
		if file == nil {
			return fmt.Errorf("no output destination specified")
		}
		console.SetOutput(io.Discard)
	} else {
		console.SetOutput(os.Stdout)
	}
	return nil
}

// SetOutput redirects console output, used by tests to capture lines.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	console.SetOutput(w)
}

// SetLevel sets the minimum log level (DEBUG, INFO, WARN, ERROR)
// Messages below this level will not be logged
func SetLevel(level LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	lvl := toLogrus(level)
	console.SetLevel(lvl)
	if file != nil {
		file.SetLevel(lvl)
	}
}

// ParseLevel maps a LOG_LEVEL string to a LogLevel, defaulting to INFO.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error", "fatal":
		return ERROR
	default:
		return INFO
	}
}

func toLogrus(level LogLevel) logrus.Level {
	switch level {
	case DEBUG:
		return logrus.DebugLevel
	case WARN:
		return logrus.WarnLevel
	case ERROR:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// Close closes the log file if one is open
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if logFile != nil {
		logFile.Close()
		logFile = nil
		file = nil
	}
}

func emit(level logrus.Level, fields Fields, msg string) {
	mu.RLock()
	defer mu.RUnlock()
	for _, l := range []*logrus.Logger{console, file} {
		if l == nil || !l.IsLevelEnabled(level) {
			continue
		}
		entry := logrus.NewEntry(l)
		if len(fields) > 0 {
			entry = entry.WithFields(fields)
		}
		entry.Log(level, msg)
	}
}

// Entry carries structured fields for a run of related log lines.
type Entry struct {
	fields Fields
}

// WithFields returns an Entry that attaches fields to every line it logs.
func WithFields(fields Fields) *Entry {
	return &Entry{fields: fields}
}

// WithField adds one more field.
func (e *Entry) WithField(key string, value interface{}) *Entry {
	merged := make(Fields, len(e.fields)+1)
	for k, v := range e.fields {
		merged[k] = v
	}
	merged[key] = value
	return &Entry{fields: merged}
}

func (e *Entry) Debugf(format string, v ...interface{}) {
	emit(logrus.DebugLevel, e.fields, fmt.Sprintf(format, v...))
}

func (e *Entry) Infof(format string, v ...interface{}) {
	emit(logrus.InfoLevel, e.fields, fmt.Sprintf(format, v...))
}

func (e *Entry) Warnf(format string, v ...interface{}) {
	emit(logrus.WarnLevel, e.fields, fmt.Sprintf(format, v...))
}

func (e *Entry) Errorf(format string, v ...interface{}) {
	emit(logrus.ErrorLevel, e.fields, fmt.Sprintf(format, v...))
}

// Debug logs a debug message
func Debug(v ...interface{}) {
	emit(logrus.DebugLevel, nil, fmt.Sprint(v...))
}

// Debugf logs a formatted debug message
func Debugf(format string, v ...interface{}) {
	emit(logrus.DebugLevel, nil, fmt.Sprintf(format, v...))
}

// Info logs an info message
func Info(v ...interface{}) {
	emit(logrus.InfoLevel, nil, fmt.Sprint(v...))
}

// Infof logs a formatted info message
func Infof(format string, v ...interface{}) {
	emit(logrus.InfoLevel, nil, fmt.Sprintf(format, v...))
}

// Warn logs a warning message
func Warn(v ...interface{}) {
	emit(logrus.WarnLevel, nil, fmt.Sprint(v...))
}

// Warnf logs a formatted warning message
func Warnf(format string, v ...interface{}) {
	emit(logrus.WarnLevel, nil, fmt.Sprintf(format, v...))
}

// Error logs an error message
func Error(v ...interface{}) {
	emit(logrus.ErrorLevel, nil, fmt.Sprint(v...))
}

// Errorf logs a formatted error message
func Errorf(format string, v ...interface{}) {
	emit(logrus.ErrorLevel, nil, fmt.Sprintf(format, v...))
}

// Fatal logs an error message and exits the program
func Fatal(v ...interface{}) {
	emit(logrus.ErrorLevel, nil, fmt.Sprint(v...))
	os.Exit(1)
}

// Fatalf logs a formatted error message and exits the program
func Fatalf(format string, v ...interface{}) {
	emit(logrus.ErrorLevel, nil, fmt.Sprintf(format, v...))
	os.Exit(1)
}
