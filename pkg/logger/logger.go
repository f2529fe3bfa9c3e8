package logger

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger wraps a logrus.Entry so accumulated fields actually reach the
// underlying formatter on every call, not just the ones that remember to
// pass them back in.
type Logger struct {
	entry *logrus.Entry
}

var defaultLogger *Logger

type Config struct {
	Level  string
	Format string
	Output string
	File   FileConfig
	Fields map[string]interface{}
}

type FileConfig struct {
	Enabled    bool
	Path       string
	MaxSize    int
	MaxBackups int
	MaxAge     int
	Compress   bool
}

func Init(cfg Config) error {
	log := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	log.SetLevel(level)

	switch cfg.Format {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "@timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	default:
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05.000",
		})
	}

	switch {
	case cfg.File.Enabled:
		log.SetOutput(&lumberjack.Logger{
			Filename:   cfg.File.Path,
			MaxSize:    cfg.File.MaxSize,
			MaxBackups: cfg.File.MaxBackups,
			MaxAge:     cfg.File.MaxAge,
			Compress:   cfg.File.Compress,
		})
	case cfg.Output == "stderr":
		log.SetOutput(os.Stderr)
	default:
		log.SetOutput(os.Stdout)
	}

	fields := logrus.Fields{
		"app": "ari-outbound-dialer",
		"pid": os.Getpid(),
	}
	for k, v := range cfg.Fields {
		fields[k] = v
	}

	defaultLogger = &Logger{entry: log.WithFields(fields)}
	return nil
}

// WithContext pulls call-scoped identifiers out of a context.Context so
// log lines emitted deep inside the correlator carry the call id without
// every call site threading it through explicitly.
func WithContext(ctx context.Context) *Logger {
	if defaultLogger == nil {
		panic("logger not initialized")
	}

	fields := logrus.Fields{}
	if callID := ctx.Value(ctxKeyCallID); callID != nil {
		fields["call_id"] = callID
	}
	if reqID := ctx.Value(ctxKeyRequestID); reqID != nil {
		fields["request_id"] = reqID
	}

	return defaultLogger.WithFields(fields)
}

type ctxKey string

const (
	ctxKeyCallID    ctxKey = "call_id"
	ctxKeyRequestID ctxKey = "request_id"
)

// ContextWithCallID returns a context carrying callID for later log extraction.
func ContextWithCallID(ctx context.Context, callID string) context.Context {
	return context.WithValue(ctx, ctxKeyCallID, callID)
}

func (l *Logger) WithFields(fields logrus.Fields) *Logger {
	return &Logger{entry: l.entry.WithFields(fields)}
}

func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{entry: l.entry.WithField(key, value)}
}

func (l *Logger) WithError(err error) *Logger {
	return &Logger{entry: l.entry.WithFields(logrus.Fields{
		"error":      err.Error(),
		"error_type": fmt.Sprintf("%T", err),
	})}
}

func (l *Logger) Debug(args ...interface{}) { l.entry.Debug(args...) }
func (l *Logger) Info(args ...interface{})  { l.entry.Info(args...) }
func (l *Logger) Warn(args ...interface{})  { l.entry.Warn(args...) }
func (l *Logger) Error(args ...interface{}) { l.entry.Error(args...) }
func (l *Logger) Fatal(args ...interface{}) { l.entry.Fatal(args...) }

// Package-level convenience functions mirroring the Logger methods.
func Debug(args ...interface{}) { defaultLogger.Debug(args...) }
func Info(args ...interface{})  { defaultLogger.Info(args...) }
func Warn(args ...interface{})  { defaultLogger.Warn(args...) }
func Error(args ...interface{}) { defaultLogger.Error(args...) }
func Fatal(args ...interface{}) { defaultLogger.Fatal(args...) }

func WithField(key string, value interface{}) *Logger {
	return defaultLogger.WithField(key, value)
}

func WithError(err error) *Logger {
	return defaultLogger.WithError(err)
}

func WithFields(fields logrus.Fields) *Logger {
	return defaultLogger.WithFields(fields)
}
