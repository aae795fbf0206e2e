package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger writes debug logs to a file and errors to stderr.
type Logger struct {
	mu      sync.Mutex
	file    *os.File
	sugar   *zap.SugaredLogger
	enabled bool
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Get returns the default logger instance.
func Get() *Logger {
	once.Do(func() {
		defaultLogger = &Logger{}
		defaultLogger.init()
	})
	return defaultLogger
}

// New returns a logger that writes every level to w. Used by tests and by
// callers that want logs somewhere other than ~/.redline/logs.
func New(w io.Writer) *Logger {
	core := zapcore.NewCore(jsonEncoder(), zapcore.AddSync(w), zapcore.DebugLevel)
	return &Logger{sugar: zap.New(core).Sugar(), enabled: true}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{sugar: zap.NewNop().Sugar()}
}

func (l *Logger) init() {
	l.sugar = zap.New(stderrCore()).Sugar()

	debugEnv := os.Getenv("REDLINE_DEBUG")

	home, err := os.UserHomeDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "redline log: failed to get home dir: %v\n", err)
		return
	}

	debugFile := filepath.Join(home, ".redline", "debug")
	_, debugFileErr := os.Stat(debugFile)
	debugFileExists := debugFileErr == nil

	if debugEnv != "1" && !debugFileExists {
		l.enabled = false
		return
	}

	logsDir := filepath.Join(home, ".redline", "logs")
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "redline log: failed to create logs dir %s: %v\n", logsDir, err)
		return
	}

	timestamp := time.Now().Format("2006-01-02_15-04-05")
	logPath := filepath.Join(logsDir, fmt.Sprintf("redline-%s.log", timestamp))

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "redline log: failed to open log file %s: %v\n", logPath, err)
		return
	}

	l.file = file
	l.enabled = true
	fileCore := zapcore.NewCore(jsonEncoder(), zapcore.AddSync(file), zapcore.DebugLevel)
	l.sugar = zap.New(zapcore.NewTee(fileCore, stderrCore())).Sugar()

	if debugEnv == "1" {
		l.Info("Logging started (REDLINE_DEBUG=1)")
	} else {
		l.Info("Logging started (~/.redline/debug exists)")
	}
	l.Info("Log file: %s", logPath)
}

func jsonEncoder() zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return zapcore.NewJSONEncoder(cfg)
}

// stderrCore surfaces errors on stderr whether or not debug logging is on.
func stderrCore() zapcore.Core {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.TimeKey = ""
	return zapcore.NewCore(zapcore.NewConsoleEncoder(cfg), zapcore.Lock(os.Stderr), zapcore.ErrorLevel)
}

// Enabled returns whether debug logging is enabled.
func (l *Logger) Enabled() bool {
	return l.enabled
}

// Debug logs a debug message (file only).
func (l *Logger) Debug(format string, args ...any) {
	if !l.enabled {
		return
	}
	l.sugar.Debugf(format, args...)
}

// Info logs an info message (file only).
func (l *Logger) Info(format string, args ...any) {
	if !l.enabled {
		return
	}
	l.sugar.Infof(format, args...)
}

// Warn logs a warning (file only).
func (l *Logger) Warn(format string, args ...any) {
	if !l.enabled {
		return
	}
	l.sugar.Warnf(format, args...)
}

// Error logs an error message (file and stderr).
func (l *Logger) Error(format string, args ...any) {
	l.sugar.Errorf(format, args...)
}

// Request logs an incoming request.
func (l *Logger) Request(action string, raw string) {
	if !l.enabled {
		return
	}
	l.sugar.Debugw("request", "action", action, "raw", truncate(raw, 500))
}

// Response logs an outgoing response.
func (l *Logger) Response(msgType string, raw string) {
	if !l.enabled {
		return
	}
	l.sugar.Debugw("response", "type", msgType, "raw", truncate(raw, 500))
}

// Stage logs one LLM stage call with its token usage.
func (l *Logger) Stage(session, stage, model string, promptTokens, completionTokens int) {
	if !l.enabled {
		return
	}
	l.sugar.Debugw("stage",
		"session", session,
		"stage", stage,
		"model", model,
		"prompt_tokens", promptTokens,
		"completion_tokens", completionTokens,
	)
}

// Sync flushes buffered log entries.
func (l *Logger) Sync() {
	_ = l.sugar.Sync()
}

// Close flushes and closes the log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Sync()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
