package pterm

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pterm/pterm"
)

// Logger provides structured logging with PTerm. When disabled (CI, systemd,
// redirected output) it prints plain timestamped lines instead of styled
// prefixes.
type Logger struct {
	debugEnabled bool
	disabled     bool
	out          io.Writer
	fields       []interface{}
	mu           *sync.Mutex
	now          func() time.Time
}

// NewLogger creates a new logger instance writing to stdout
func NewLogger(disabled bool) *Logger {
	return NewLoggerWithWriter(os.Stdout, disabled, os.Getenv("AUTOSCALER_DEBUG") == "true")
}

// NewLoggerWithWriter creates a logger writing to w
func NewLoggerWithWriter(w io.Writer, disabled, debug bool) *Logger {
	return &Logger{
		debugEnabled: debug,
		disabled:     disabled,
		out:          w,
		mu:           &sync.Mutex{},
		now:          time.Now,
	}
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() *Logger {
	return NewLoggerWithWriter(io.Discard, true, false)
}

// With returns a child logger that appends the given key-value pairs to
// every message. The child shares the parent's writer.
func (l *Logger) With(args ...interface{}) *Logger {
	child := *l
	child.fields = make([]interface{}, 0, len(l.fields)+len(args))
	child.fields = append(child.fields, l.fields...)
	child.fields = append(child.fields, args...)
	return &child
}

// Debug logs a debug message (only if AUTOSCALER_DEBUG=true)
func (l *Logger) Debug(message string, args ...interface{}) {
	if !l.debugEnabled {
		return
	}
	l.print(pterm.Debug, "DEBUG", message, args)
}

// Info logs an informational message
func (l *Logger) Info(message string, args ...interface{}) {
	l.print(pterm.Info, "INFO", message, args)
}

// Success logs a success message
func (l *Logger) Success(message string, args ...interface{}) {
	l.print(pterm.Success, "SUCCESS", message, args)
}

// Warning logs a warning message
func (l *Logger) Warning(message string, args ...interface{}) {
	l.print(pterm.Warning, "WARNING", message, args)
}

// Error logs an error message
func (l *Logger) Error(message string, args ...interface{}) {
	l.print(pterm.Error, "ERROR", message, args)
}

// Infof logs a formatted informational message
func (l *Logger) Infof(format string, args ...interface{}) {
	l.print(pterm.Info, "INFO", fmt.Sprintf(format, args...), nil)
}

// IsDebugEnabled returns whether debug logging is enabled
func (l *Logger) IsDebugEnabled() bool {
	return l.debugEnabled
}

func (l *Logger) print(printer pterm.PrefixPrinter, level, message string, args []interface{}) {
	formatted := l.formatMessage(message, args...)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.disabled {
		fmt.Fprintf(l.out, "[%s] [%s] %s\n", l.now().Format("15:04:05"), level, formatted)
		return
	}
	printer.WithWriter(l.out).Println(formatted)
}

// formatMessage formats a message with the logger's fields followed by
// optional key-value pairs
func (l *Logger) formatMessage(message string, args ...interface{}) string {
	all := args
	if len(l.fields) > 0 {
		all = append(append([]interface{}{}, l.fields...), args...)
	}
	if len(all) == 0 {
		return message
	}

	var pairs []string
	for i := 0; i < len(all); i += 2 {
		if i+1 < len(all) {
			key := fmt.Sprint(all[i])
			value := fmt.Sprint(all[i+1])
			pairs = append(pairs, fmt.Sprintf("%s=%s", key, value))
		}
	}

	if len(pairs) > 0 {
		return fmt.Sprintf("%s (%s)", message, strings.Join(pairs, ", "))
	}

	return message
}
