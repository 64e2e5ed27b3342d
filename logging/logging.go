// Package logging provides real-time console output for dispatcher workers.
// The execution record log is the forensic record of a task. This package
// only mirrors lifecycle events to the console for monitoring.
package logging

import (
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// ParseLevel maps a config string to a Level. Unknown values yield INFO.
func ParseLevel(s string) Level {
	switch Level(s) {
	case LevelDebug, LevelWarn, LevelError:
		return Level(s)
	}
	switch s {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	}
	return LevelInfo
}

// sink is the writer shared by a logger and everything derived from it,
// so SetOutput on any of them redirects all.
type sink struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func (s *sink) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.w.(interface{ Sync() error }); ok {
		return f.Sync()
	}
	return nil
}

// Logger provides structured console logging backed by zap.
type Logger struct {
	out       *sink
	level     zap.AtomicLevel
	z         *zap.Logger
	component string
	taskID    string
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:          "ts",
		LevelKey:         "level",
		NameKey:          "component",
		MessageKey:       "msg",
		LineEnding:       zapcore.DefaultLineEnding,
		EncodeLevel:      zapcore.CapitalLevelEncoder,
		EncodeTime:       zapcore.TimeEncoderOfLayout("2006-01-02T15:04:05.000Z"),
		EncodeDuration:   zapcore.StringDurationEncoder,
		EncodeName:       func(name string, enc zapcore.PrimitiveArrayEncoder) { enc.AppendString("[" + name + "]") },
		ConsoleSeparator: " ",
	}
}

// New creates a new Logger writing INFO and above to stdout.
func New() *Logger {
	l := &Logger{
		out:   &sink{w: os.Stdout},
		level: zap.NewAtomicLevelAt(zapcore.InfoLevel),
	}
	l.z = l.build()
	return l
}

func (l *Logger) build() *zap.Logger {
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig()), l.out, l.level)
	z := zap.New(core, zap.WithClock(utcClock{}))
	if l.component != "" {
		z = z.Named(l.component)
	}
	if l.taskID != "" {
		z = z.With(zap.String("task_id", l.taskID))
	}
	return z
}

func (l *Logger) derive(component, taskID string) *Logger {
	d := &Logger{
		out:       l.out,
		level:     l.level,
		component: component,
		taskID:    taskID,
	}
	d.z = d.build()
	return d
}

// WithComponent returns a new logger with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	return l.derive(component, l.taskID)
}

// WithTask returns a new logger that tags every line with the task id.
func (l *Logger) WithTask(taskID string) *Logger {
	return l.derive(l.component, taskID)
}

// SetLevel sets the minimum log level for this logger and its derivatives.
func (l *Logger) SetLevel(level Level) {
	l.level.SetLevel(level.zapLevel())
}

// SetOutput sets the output writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.out.mu.Lock()
	l.out.w = w
	l.out.mu.Unlock()
}

// Sync flushes buffered output.
func (l *Logger) Sync() error {
	return l.z.Sync()
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.z.Debug(msg, toFields(fields)...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.z.Info(msg, toFields(fields)...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.z.Warn(msg, toFields(fields)...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.z.Error(msg, toFields(fields)...)
}

// toFields converts the first field map into zap fields in key order.
func toFields(fields []map[string]interface{}) []zap.Field {
	if len(fields) == 0 || len(fields[0]) == 0 {
		return nil
	}
	m := fields[0]
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		out = append(out, zap.Any(k, m[k]))
	}
	return out
}

type utcClock struct{}

func (utcClock) Now() time.Time                         { return time.Now().UTC() }
func (utcClock) NewTicker(d time.Duration) *time.Ticker { return time.NewTicker(d) }

// --- Task lifecycle methods ---
// Called by the orchestrator alongside appending execution records.

// TaskClaimed logs that a worker obtained the lease on a task.
func (l *Logger) TaskClaimed(taskID, workerID string, resumed bool) {
	l.Info("task_claimed", map[string]interface{}{
		"task_id": taskID,
		"worker":  workerID,
		"resumed": resumed,
	})
}

// TaskClassified logs the intent chosen for a task. A non-empty note
// code, such as an ambiguous classification, raises the entry to warn.
func (l *Logger) TaskClassified(taskID, intent, note string) {
	fields := map[string]interface{}{
		"task_id": taskID,
		"intent":  intent,
	}
	if note != "" {
		fields["code"] = note
		l.Warn("task_classified", fields)
		return
	}
	l.Info("task_classified", fields)
}

// AttemptStart logs the start of an activity attempt.
func (l *Logger) AttemptStart(taskID string, attempt int, intent string) {
	l.Debug("attempt_start", map[string]interface{}{
		"task_id": taskID,
		"attempt": attempt,
		"intent":  intent,
	})
}

// AttemptResult logs the outcome of an activity attempt.
func (l *Logger) AttemptResult(taskID string, attempt int, duration time.Duration, err error) {
	fields := map[string]interface{}{
		"task_id":  taskID,
		"attempt":  attempt,
		"duration": duration.String(),
	}
	if err != nil {
		fields["error"] = err.Error()
		l.Warn("attempt_failed", fields)
		return
	}
	l.Debug("attempt_succeeded", fields)
}

// Backoff logs the wait before the next attempt.
func (l *Logger) Backoff(taskID string, nextAttempt int, delay time.Duration) {
	l.Debug("backoff", map[string]interface{}{
		"task_id":      taskID,
		"next_attempt": nextAttempt,
		"delay":        delay.String(),
	})
}

// TaskTerminal logs a task reaching Completed or Failed.
func (l *Logger) TaskTerminal(taskID, status string, attempts int, duration time.Duration) {
	l.Info("task_terminal", map[string]interface{}{
		"task_id":  taskID,
		"status":   status,
		"attempts": attempts,
		"duration": duration.String(),
	})
}
