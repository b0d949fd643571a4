// Package logger provides logging implementations for research run
// execution.
//
// The logger package offers structured logging of run progress at the
// cycle, task and summary levels. Implementations are thread-safe and
// support level filtering. Color output is automatically enabled for
// terminal output.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/mkell/sagan/internal/models"
)

// Log level constants for filtering
const (
	levelTrace int = 0
	levelDebug int = 1
	levelInfo  int = 2
	levelWarn  int = 3
	levelError int = 4
)

// ConsoleLogger logs run progress to a writer with timestamps and thread
// safety. All output is prefixed with [HH:MM:SS] timestamps. It supports
// log level filtering to control verbosity.
type ConsoleLogger struct {
	writer      io.Writer
	logLevel    string
	mutex       sync.Mutex
	colorOutput bool
}

// NewConsoleLogger creates a ConsoleLogger that writes to the provided
// io.Writer. If writer is nil, messages are silently discarded.
// logLevel determines the minimum level for messages to be output;
// empty or invalid levels default to "info".
func NewConsoleLogger(writer io.Writer, logLevel string) *ConsoleLogger {
	return &ConsoleLogger{
		writer:      writer,
		logLevel:    normalizeLogLevel(logLevel),
		colorOutput: isTerminal(writer),
	}
}

// isTerminal checks if the writer is a terminal that supports colors.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	if color.NoColor {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// normalizeLogLevel lowercases and validates a level string, defaulting to
// "info".
func normalizeLogLevel(level string) string {
	normalized := strings.ToLower(strings.TrimSpace(level))
	switch normalized {
	case "trace", "debug", "info", "warn", "error":
		return normalized
	}
	return "info"
}

func logLevelToInt(level string) int {
	switch level {
	case "trace":
		return levelTrace
	case "debug":
		return levelDebug
	case "info":
		return levelInfo
	case "warn":
		return levelWarn
	case "error":
		return levelError
	default:
		return levelInfo
	}
}

func (cl *ConsoleLogger) shouldLog(messageLevel string) bool {
	return logLevelToInt(messageLevel) >= logLevelToInt(cl.logLevel)
}

// LogTrace logs a trace-level message (most verbose).
func (cl *ConsoleLogger) LogTrace(message string) {
	cl.logWithLevel("TRACE", message)
}

// LogDebug logs a debug-level message.
func (cl *ConsoleLogger) LogDebug(message string) {
	cl.logWithLevel("DEBUG", message)
}

// LogInfo logs an info-level message.
func (cl *ConsoleLogger) LogInfo(message string) {
	cl.logWithLevel("INFO", message)
}

// LogWarn logs a warning-level message.
func (cl *ConsoleLogger) LogWarn(message string) {
	cl.logWithLevel("WARN", message)
}

// LogError logs an error-level message.
func (cl *ConsoleLogger) LogError(message string) {
	cl.logWithLevel("ERROR", message)
}

// logWithLevel logs a message at the given level if filtering allows it.
func (cl *ConsoleLogger) logWithLevel(level string, message string) {
	if cl.writer == nil {
		return
	}
	if !cl.shouldLog(strings.ToLower(level)) {
		return
	}

	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	ts := timestamp()
	var formatted string
	if cl.colorOutput {
		formatted = fmt.Sprintf("[%s] [%s] %s\n", ts, colorLevel(level), message)
	} else {
		formatted = fmt.Sprintf("[%s] [%s] %s\n", ts, level, message)
	}
	cl.writer.Write([]byte(formatted))
}

// colorLevel maps a level name to its ANSI-colored form.
func colorLevel(level string) string {
	switch strings.ToUpper(level) {
	case "TRACE":
		return color.New(color.FgHiBlack).Sprint(level)
	case "DEBUG":
		return color.New(color.FgCyan).Sprint(level)
	case "INFO":
		return color.New(color.FgBlue).Sprint(level)
	case "WARN":
		return color.New(color.FgYellow).Sprint(level)
	case "ERROR":
		return color.New(color.FgRed).Sprint(level)
	}
	return level
}

// LogCycleStart logs the start of a research cycle at INFO level.
// Format: "[HH:MM:SS] Starting cycle N/M: K tasks planned"
func (cl *ConsoleLogger) LogCycleStart(cycle, totalCycles, taskCount int) {
	if cl.writer == nil || !cl.shouldLog("info") {
		return
	}

	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	ts := timestamp()
	header := fmt.Sprintf("cycle %d/%d", cycle, totalCycles)
	if cl.colorOutput {
		header = color.New(color.Bold).Sprint(header)
	}
	fmt.Fprintf(cl.writer, "[%s] Starting %s: %d tasks planned\n", ts, header, taskCount)
}

// LogCycleComplete logs the completion of a cycle at INFO level.
func (cl *ConsoleLogger) LogCycleComplete(cycle, accepted, rejected int, duration time.Duration) {
	if cl.writer == nil || !cl.shouldLog("info") {
		return
	}

	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	ts := timestamp()
	header := fmt.Sprintf("cycle %d", cycle)
	completeText := "complete"
	if cl.colorOutput {
		header = color.New(color.Bold).Sprint(header)
		completeText = color.New(color.FgGreen).Sprint(completeText)
	}
	fmt.Fprintf(cl.writer, "[%s] %s %s: %d findings accepted, %d rejected (%s)\n",
		ts, header, completeText, accepted, rejected, formatDuration(duration))
}

// LogTaskResult logs a single task execution result at DEBUG level.
func (cl *ConsoleLogger) LogTaskResult(result models.ExecutionResult) error {
	if cl.writer == nil || !cl.shouldLog("debug") {
		return nil
	}

	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	ts := timestamp()
	status := result.Status
	if cl.colorOutput {
		switch result.Status {
		case models.ExecCompleted:
			status = color.New(color.FgGreen).Sprint(result.Status)
		case models.ExecFailed:
			status = color.New(color.FgRed).Sprint(result.Status)
		case models.ExecTimedOut:
			status = color.New(color.FgYellow).Sprint(result.Status)
		}
	}
	_, err := fmt.Fprintf(cl.writer, "[%s] Task %s: %s (%s)\n",
		ts, result.TaskID, status, formatDuration(result.Elapsed))
	return err
}

// LogSummary logs the run summary with completion statistics at INFO level.
func (cl *ConsoleLogger) LogSummary(summary models.RunSummary) {
	if cl.writer == nil || !cl.shouldLog("info") {
		return
	}

	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	ts := timestamp()
	header := "=== Run Summary ==="
	if cl.colorOutput {
		header = color.New(color.Bold).Sprint(header)
	}
	fmt.Fprintf(cl.writer, "[%s] %s\n", ts, header)
	fmt.Fprintf(cl.writer, "[%s] Cycles: %d\n", ts, summary.Cycles)
	fmt.Fprintf(cl.writer, "[%s] Tasks executed: %d (%d failed)\n", ts, summary.TasksExecuted, summary.TasksFailed)
	fmt.Fprintf(cl.writer, "[%s] Findings accepted: %d (%d rejected)\n", ts, summary.FindingsAccepted, summary.FindingsRejected)
	fmt.Fprintf(cl.writer, "[%s] Stop reason: %s\n", ts, summary.StopReason)
	fmt.Fprintf(cl.writer, "[%s] Duration: %s\n", ts, formatDuration(summary.Duration))
}

// timestamp returns the current time formatted as HH:MM:SS.
func timestamp() string {
	return time.Now().Format("15:04:05")
}

// formatDuration renders a duration compactly: 1.2s, 3m45s, 1h02m.
func formatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	case d < time.Hour:
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	}
}

// NoOpLogger discards all log output. Useful for tests and silent runs.
type NoOpLogger struct{}

// NewNoOpLogger creates a logger that discards everything.
func NewNoOpLogger() *NoOpLogger {
	return &NoOpLogger{}
}

// LogTrace implements the leveled logging interface.
func (n *NoOpLogger) LogTrace(message string) {}

// LogDebug implements the leveled logging interface.
func (n *NoOpLogger) LogDebug(message string) {}

// LogInfo implements the leveled logging interface.
func (n *NoOpLogger) LogInfo(message string) {}

// LogWarn implements the leveled logging interface.
func (n *NoOpLogger) LogWarn(message string) {}

// LogError implements the leveled logging interface.
func (n *NoOpLogger) LogError(message string) {}

// LogCycleStart implements the run event interface.
func (n *NoOpLogger) LogCycleStart(cycle, totalCycles, taskCount int) {}

// LogCycleComplete implements the run event interface.
func (n *NoOpLogger) LogCycleComplete(cycle, accepted, rejected int, duration time.Duration) {}

// LogTaskResult implements the run event interface.
func (n *NoOpLogger) LogTaskResult(result models.ExecutionResult) error { return nil }

// LogSummary implements the run event interface.
func (n *NoOpLogger) LogSummary(summary models.RunSummary) {}
