package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"
)

type Logger struct {
	file   *os.File
	logger *log.Logger
	debug  bool
}

// New creates a logger writing to stderr and, when path is non-empty, to the
// given file as well.
func New(path string) (*Logger, error) {
	debugEnv := os.Getenv("COMFYGATE_DEBUG")
	debug := debugEnv == "debug" || debugEnv == "trace"

	if path == "" {
		return &Logger{logger: log.New(os.Stderr, "", 0), debug: debug}, nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}

	return &Logger{
		file:   file,
		logger: log.New(io.MultiWriter(os.Stderr, file), "", 0),
		debug:  debug,
	}, nil
}

func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

func (l *Logger) log(level, msg string) {
	timestamp := time.Now().Format("2006-01-02 15:04:05")
	l.logger.Printf("[%s] %s: %s", timestamp, level, msg)
}

func (l *Logger) Info(msg string) {
	l.log("INFO", msg)
}

func (l *Logger) Warn(msg string) {
	l.log("WARN", msg)
}

func (l *Logger) Error(msg string) {
	l.log("ERROR", msg)
}

func (l *Logger) Debug(msg string) {
	if l.debug {
		l.log("DEBUG", msg)
	}
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.Info(fmt.Sprintf(format, args...))
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.Warn(fmt.Sprintf(format, args...))
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.Error(fmt.Sprintf(format, args...))
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	l.Debug(fmt.Sprintf(format, args...))
}

// Logf returns a printf-style function bound to this logger at info level,
// or a no-op function if the logger is nil. Components that only need a log
// sink take one of these instead of the full Logger.
func (l *Logger) Logf() func(format string, args ...interface{}) {
	if l == nil {
		return func(format string, args ...interface{}) {}
	}
	return l.Infof
}

func DefaultLogPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/comfygate.log"
	}
	return filepath.Join(home, ".comfygate", "gateway.log")
}
