package common

import (
	"time"

	"github.com/sirupsen/logrus"

	"hut.evalgo.org/version"
)

// LogLevel represents standard logging levels
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LoggerConfig contains configuration for creating a logger
type LoggerConfig struct {
	Level      LogLevel // Minimum log level
	Format     string   // "json" or "text"
	AddCaller  bool     // Add caller information
	TimeFormat string   // Time format for logs
}

// NewLogger creates a new configured logger instance
func NewLogger(config LoggerConfig) *logrus.Logger {
	logger := logrus.New()
	apply(logger, config)
	return logger
}

// ConfigureGlobal applies config to the global Logger.
func ConfigureGlobal(config LoggerConfig) {
	apply(Logger, config)
}

func apply(logger *logrus.Logger, config LoggerConfig) {
	logger.SetLevel(parseLevel(config.Level))

	if config.TimeFormat == "" {
		config.TimeFormat = time.RFC3339
	}
	if config.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: config.TimeFormat,
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: config.TimeFormat,
			FullTimestamp:   true,
		})
	}

	logger.SetReportCaller(config.AddCaller)
	logger.SetOutput(&OutputSplitter{})
}

func parseLevel(level LogLevel) logrus.Level {
	switch level {
	case LogLevelDebug:
		return logrus.DebugLevel
	case LogLevelWarn:
		return logrus.WarnLevel
	case LogLevelError:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// ComponentLogger returns an entry tagged with the component name. A nil
// base falls back to the global Logger.
func ComponentLogger(base *logrus.Entry, component string) *logrus.Entry {
	if base == nil {
		base = logrus.NewEntry(Logger)
	}
	return base.WithField("component", component)
}

// ContextLogger provides context-aware logging utilities
type ContextLogger struct {
	logger *logrus.Logger
	fields logrus.Fields
}

// NewContextLogger creates a new context-aware logger with base fields
func NewContextLogger(logger *logrus.Logger, fields map[string]interface{}) *ContextLogger {
	if logger == nil {
		logger = Logger
	}

	baseFields := make(logrus.Fields, len(fields))
	for k, v := range fields {
		baseFields[k] = v
	}

	return &ContextLogger{
		logger: logger,
		fields: baseFields,
	}
}

// WithField adds a single field to the logger context
func (cl *ContextLogger) WithField(key string, value interface{}) *ContextLogger {
	return cl.WithFields(map[string]interface{}{key: value})
}

// WithFields adds multiple fields to the logger context
func (cl *ContextLogger) WithFields(fields map[string]interface{}) *ContextLogger {
	newFields := make(logrus.Fields, len(cl.fields)+len(fields))
	for k, v := range cl.fields {
		newFields[k] = v
	}
	for k, v := range fields {
		newFields[k] = v
	}

	return &ContextLogger{
		logger: cl.logger,
		fields: newFields,
	}
}

// WithError adds an error to the logger context
func (cl *ContextLogger) WithError(err error) *ContextLogger {
	fields := map[string]interface{}{"error": err.Error()}
	if code := CodeOf(err); code != "" {
		fields["error_code"] = code
	}
	return cl.WithFields(fields)
}

// Entry returns the underlying logrus entry.
func (cl *ContextLogger) Entry() *logrus.Entry {
	return cl.logger.WithFields(cl.fields)
}

// Warn logs a warning message
func (cl *ContextLogger) Warn(msg string) {
	cl.Entry().Warn(msg)
}

// ServiceLogger creates a logger pre-configured with service metadata.
// The module version is attached for debugging deployed binaries.
func ServiceLogger(serviceName, serviceVersion string) *ContextLogger {
	return NewContextLogger(Logger, map[string]interface{}{
		"service":        serviceName,
		"version":        serviceVersion,
		"module_version": version.GetModuleVersion(),
	})
}

// LogDuration logs the duration of an operation
func LogDuration(entry *logrus.Entry, operation string) func() {
	start := time.Now()
	return func() {
		duration := time.Since(start)
		entry.WithFields(logrus.Fields{
			"operation":   operation,
			"duration":    duration.String(),
			"duration_ms": duration.Milliseconds(),
		}).Debug("Operation completed")
	}
}
