package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"time"
)

// Level represents the severity of a log message.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

// Logger defines a minimal, printf-style logging contract. Components depend
// on this interface so tests can swap in a no-op or recording logger.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

var (
	rootInstance *rootLogger
	rootOnce     sync.Once
)

type rootLogger struct {
	mu    sync.Mutex
	out   io.Writer
	file  *os.File
	level Level
}

func getRoot() *rootLogger {
	rootOnce.Do(func() {
		rootInstance = &rootLogger{out: os.Stdout, level: levelFromEnv()}
		if path := os.Getenv("STAQFLOW_LOG_FILE"); path != "" {
			file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				log.Printf("Failed to open log file %s: %v", path, err)
			} else {
				rootInstance.file = file
			}
		}
	})
	return rootInstance
}

func levelFromEnv() Level {
	switch strings.ToUpper(strings.TrimSpace(os.Getenv("LOG_LEVEL"))) {
	case "DEBUG":
		return DEBUG
	case "WARN":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// SetLevel sets the minimum level for the process-wide logger.
func SetLevel(level Level) {
	root := getRoot()
	root.mu.Lock()
	root.level = level
	root.mu.Unlock()
}

func (r *rootLogger) log(level Level, component, format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if level < r.level {
		return
	}

	_, file, line, ok := runtime.Caller(3)
	if ok {
		file = filepath.Base(file)
	} else {
		file = "???"
		line = 0
	}

	// Format: 2026-01-02 15:04:05 [INFO] [TriggerManager] file.go:123 - Message
	timestamp := time.Now().Format("2006-01-02 15:04:05")
	if component == "" {
		component = "STAQFLOW"
	}
	message := fmt.Sprintf(format, args...)
	line2 := fmt.Sprintf("%s [%s] [%s] %s:%d - %s\n",
		timestamp, levelToString(level), component, file, line, message)
	line2 = sanitizeLogLine(line2)

	fmt.Fprint(r.out, line2)
	if r.file != nil {
		fmt.Fprint(r.file, line2)
	}
}

func levelToString(level Level) string {
	switch level {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

type componentLogger struct {
	component string
}

// NewComponentLogger creates a logger scoped to a named component.
func NewComponentLogger(component string) Logger {
	return &componentLogger{component: component}
}

func (l *componentLogger) Debug(format string, args ...any) {
	getRoot().log(DEBUG, l.component, format, args...)
}

func (l *componentLogger) Info(format string, args ...any) {
	getRoot().log(INFO, l.component, format, args...)
}

func (l *componentLogger) Warn(format string, args ...any) {
	getRoot().log(WARN, l.component, format, args...)
}

func (l *componentLogger) Error(format string, args ...any) {
	getRoot().log(ERROR, l.component, format, args...)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if logger == nil {
		return Nop()
	}
	return logger
}

const redactedPlaceholder = "[REDACTED]"

var (
	authorizationBearerPattern = regexp.MustCompile(
		`(?i)((?:"|')?authorization(?:"|')?\s*(?:=|:)\s*)(bearer\s+)([^"'\s,;]+)`,
	)
	sensitiveKeyValuePattern = regexp.MustCompile(
		`(?i)((?:"|')?(?:api[_-]?key|access[_-]?token|token|secret|password|credential)(?:"|')?\s*(?:=|:)\s*)(?:"|')?([^"'\s,;]+)((?:"|')?)`,
	)
	bearerTokenPattern = regexp.MustCompile(`(?i)(bearer\s+)([A-Za-z0-9\-\._~+/]+=*)`)
)

// sanitizeLogLine scrubs credentials that leak into formatted messages. The
// engine logs upstream request failures verbatim, so raw tokens can appear.
func sanitizeLogLine(line string) string {
	sanitized := authorizationBearerPattern.ReplaceAllStringFunc(line, func(match string) string {
		submatches := authorizationBearerPattern.FindStringSubmatch(match)
		if len(submatches) != 4 {
			return match
		}
		return submatches[1] + submatches[2] + redactedPlaceholder
	})
	sanitized = sensitiveKeyValuePattern.ReplaceAllStringFunc(sanitized, func(match string) string {
		submatches := sensitiveKeyValuePattern.FindStringSubmatch(match)
		if len(submatches) != 4 {
			return match
		}
		return submatches[1] + redactedPlaceholder + submatches[3]
	})
	sanitized = bearerTokenPattern.ReplaceAllStringFunc(sanitized, func(match string) string {
		parts := bearerTokenPattern.FindStringSubmatch(match)
		if len(parts) != 3 {
			return match
		}
		return parts[1] + redactedPlaceholder
	})
	return sanitized
}
