package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger is the logging contract used throughout the engine.
type Logger interface {
	Debug(args ...interface{})
	Debugf(format string, args ...interface{})
	Info(args ...interface{})
	Infof(format string, args ...interface{})
	Warn(args ...interface{})
	Warnf(format string, args ...interface{})
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
	WithField(key string, value interface{}) Logger
	WithFields(fields Fields) Logger
	WithError(err error) Logger
	WithComponent(component string) Logger
}

// Fields is a map of key-value pairs for structured logging.
type Fields map[string]interface{}

// Format selects the log output encoding.
type Format string

const (
	JSONFormat Format = "json"
	TextFormat Format = "text"
)

// Config holds logger options.
type Config struct {
	Level  string `json:"level"`
	Format Format `json:"format"`
	File   string `json:"file,omitempty"` // empty means stderr
}

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() *Config {
	return &Config{Level: "info", Format: TextFormat}
}

type logrusLogger struct {
	entry *logrus.Entry
}

// NewLogger creates a logger from the given configuration.
func NewLogger(config *Config) (Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", config.Level, err)
	}

	l := logrus.New()
	l.SetLevel(level)

	writer, err := outputWriter(config)
	if err != nil {
		return nil, err
	}
	l.SetOutput(writer)

	switch config.Format {
	case JSONFormat:
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	default:
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}

	return &logrusLogger{entry: logrus.NewEntry(l)}, nil
}

func outputWriter(config *Config) (io.Writer, error) {
	if strings.TrimSpace(config.File) == "" {
		return os.Stderr, nil
	}
	if err := os.MkdirAll(filepath.Dir(config.File), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	file, err := os.OpenFile(config.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return file, nil
}

func (l *logrusLogger) Debug(args ...interface{})                 { l.entry.Debug(args...) }
func (l *logrusLogger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *logrusLogger) Info(args ...interface{})                  { l.entry.Info(args...) }
func (l *logrusLogger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *logrusLogger) Warn(args ...interface{})                  { l.entry.Warn(args...) }
func (l *logrusLogger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *logrusLogger) Error(args ...interface{})                 { l.entry.Error(args...) }
func (l *logrusLogger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

func (l *logrusLogger) WithField(key string, value interface{}) Logger {
	return &logrusLogger{entry: l.entry.WithField(key, value)}
}

func (l *logrusLogger) WithFields(fields Fields) Logger {
	return &logrusLogger{entry: l.entry.WithFields(logrus.Fields(fields))}
}

func (l *logrusLogger) WithError(err error) Logger {
	return &logrusLogger{entry: l.entry.WithError(err)}
}

func (l *logrusLogger) WithComponent(component string) Logger {
	return l.WithField("component", component)
}

var globalLogger Logger

func init() {
	l, err := NewLogger(DefaultConfig())
	if err != nil {
		logrus.WithError(err).Fatal("failed to initialize logger")
	}
	globalLogger = l
}

// SetGlobalLogger replaces the process-wide logger.
func SetGlobalLogger(logger Logger) {
	globalLogger = logger
}

// GetGlobalLogger returns the process-wide logger.
func GetGlobalLogger() Logger {
	return globalLogger
}

// Nop returns a logger that discards everything; used by tests.
func Nop() Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return &logrusLogger{entry: logrus.NewEntry(l)}
}
