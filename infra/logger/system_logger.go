package logger

import (
	"context"
	"fmt"
	"log"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/payrelay/payrelay/infra/opensearch"
)

// LogLevel represents the severity level of a log entry.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	LevelFatal LogLevel = "fatal"
)

// SystemLog represents a structured system log entry.
type SystemLog struct {
	Timestamp     time.Time      `json:"timestamp"`
	Level         LogLevel       `json:"level"`
	Message       string         `json:"message"`
	Component     string         `json:"component"`
	Function      string         `json:"function"`
	File          string         `json:"file"`
	Line          int            `json:"line"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Provider      string         `json:"provider,omitempty"`
	Error         string         `json:"error,omitempty"`
	Fields        map[string]any `json:"fields,omitempty"`
	Environment   string         `json:"environment"`
	Service       string         `json:"service"`
	Version       string         `json:"version"`
}

// LogContext holds contextual information for logging.
type LogContext struct {
	CorrelationID string
	Provider      string
	Fields        map[string]any
}

// SystemLoggerConfig represents configuration for the system logger.
type SystemLoggerConfig struct {
	EnableConsole    bool
	EnableOpenSearch bool
	MinLevel         LogLevel
	Service          string
	Version          string
	Environment      string
}

// SystemLogger handles structured logging to console and OpenSearch.
type SystemLogger struct {
	sink             *opensearch.Client
	enableConsole    bool
	enableOpenSearch bool
	minLevel         LogLevel
	service          string
	version          string
	environment      string
}

// NewSystemLogger creates a new system logger.
func NewSystemLogger(sink *opensearch.Client, config SystemLoggerConfig) *SystemLogger {
	return &SystemLogger{
		sink:             sink,
		enableConsole:    config.EnableConsole,
		enableOpenSearch: config.EnableOpenSearch && sink != nil,
		minLevel:         config.MinLevel,
		service:          config.Service,
		version:          config.Version,
		environment:      config.Environment,
	}
}

// Debug logs a debug message.
func (sl *SystemLogger) Debug(message string, ctx ...LogContext) {
	sl.log(LevelDebug, message, ctx...)
}

// Info logs an info message.
func (sl *SystemLogger) Info(message string, ctx ...LogContext) {
	sl.log(LevelInfo, message, ctx...)
}

// Warn logs a warning message.
func (sl *SystemLogger) Warn(message string, ctx ...LogContext) {
	sl.log(LevelWarn, message, ctx...)
}

// Error logs an error message.
func (sl *SystemLogger) Error(message string, err error, ctx ...LogContext) {
	logCtx := LogContext{}
	if len(ctx) > 0 {
		logCtx = ctx[0]
	}
	if logCtx.Fields == nil {
		logCtx.Fields = make(map[string]any)
	}
	if err != nil {
		logCtx.Fields["error"] = err.Error()
	}
	sl.log(LevelError, message, logCtx)
}

// Fatal logs a fatal message and exits.
func (sl *SystemLogger) Fatal(message string, err error, ctx ...LogContext) {
	sl.Error(message, err, ctx...)
	os.Exit(1)
}

func (sl *SystemLogger) log(level LogLevel, message string, ctx ...LogContext) {
	if !sl.shouldLog(level) {
		return
	}

	pc, file, line, ok := runtime.Caller(3)
	if !ok {
		file = "unknown"
		line = 0
	}
	function := "unknown"
	if fn := runtime.FuncForPC(pc); fn != nil {
		function = fn.Name()
		if idx := strings.LastIndex(function, "."); idx != -1 {
			function = function[idx+1:]
		}
	}

	entry := SystemLog{
		Timestamp:   time.Now().UTC(),
		Level:       level,
		Message:     message,
		Component:   extractComponent(file),
		Function:    function,
		File:        file,
		Line:        line,
		Environment: sl.environment,
		Service:     sl.service,
		Version:     sl.version,
	}

	if len(ctx) > 0 {
		logCtx := ctx[0]
		entry.CorrelationID = logCtx.CorrelationID
		entry.Provider = logCtx.Provider
		entry.Fields = logCtx.Fields
		if logCtx.Fields != nil {
			if errMsg, ok := logCtx.Fields["error"].(string); ok {
				entry.Error = errMsg
			}
		}
	}

	if sl.enableConsole {
		sl.logToConsole(entry)
	}
	if sl.enableOpenSearch {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = sl.sink.IndexDocument(ctx, entry)
		}()
	}
}

func (sl *SystemLogger) shouldLog(level LogLevel) bool {
	order := map[LogLevel]int{
		LevelDebug: 0,
		LevelInfo:  1,
		LevelWarn:  2,
		LevelError: 3,
		LevelFatal: 4,
	}
	return order[level] >= order[sl.minLevel]
}

// extractComponent extracts the package path segment from a source file path,
// e.g. .../payrelay/provider/stripe/stripe.go -> provider/stripe.
func extractComponent(file string) string {
	parts := strings.Split(file, "/")
	for i, part := range parts {
		if part == "payrelay" && i+1 < len(parts) {
			if i+3 < len(parts) {
				return parts[i+1] + "/" + parts[i+2]
			}
			return parts[i+1]
		}
	}
	if len(parts) >= 2 {
		return parts[len(parts)-2]
	}
	return "unknown"
}

func (sl *SystemLogger) logToConsole(entry SystemLog) {
	colors := map[LogLevel]string{
		LevelDebug: "\033[36m",
		LevelInfo:  "\033[32m",
		LevelWarn:  "\033[33m",
		LevelError: "\033[31m",
		LevelFatal: "\033[35m",
	}
	reset := "\033[0m"

	var contextParts []string
	if entry.Provider != "" {
		contextParts = append(contextParts, fmt.Sprintf("provider=%s", entry.Provider))
	}
	if entry.CorrelationID != "" {
		id := entry.CorrelationID
		if len(id) > 8 {
			id = id[:8]
		}
		contextParts = append(contextParts, fmt.Sprintf("corr=%s", id))
	}
	for k, v := range entry.Fields {
		contextParts = append(contextParts, fmt.Sprintf("%s=%v", k, v))
	}

	contextStr := ""
	if len(contextParts) > 0 {
		contextStr = " [" + strings.Join(contextParts, " ") + "]"
	}

	log.Printf("%s%-5s%s %s (%s)%s",
		colors[entry.Level], strings.ToUpper(string(entry.Level)), reset,
		entry.Message, entry.Component, contextStr)
}
