// Package logger provides structured logging for the storage engine.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger wraps zerolog with engine-specific convenience methods.
type Logger struct {
	zlog zerolog.Logger
}

// Config holds logger configuration.
type Config struct {
	Level      string // debug, info, warn, error
	Pretty     bool   // pretty-print for development
	Output     io.Writer
	WithCaller bool
}

// NewLogger creates a new structured logger.
func NewLogger(cfg Config) *Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	zlog := zerolog.New(output).
		With().
		Timestamp().
		Str("service", "fsxengine").
		Logger()

	if cfg.WithCaller {
		zlog = zlog.With().Caller().Logger()
	}

	return &Logger{zlog: zlog}
}

// GetZerolog returns the underlying zerolog logger.
func (l *Logger) GetZerolog() *zerolog.Logger {
	return &l.zlog
}

// Info logs an info message.
func (l *Logger) Info(msg string) *zerolog.Event {
	return l.zlog.Info().Str("msg", msg)
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) *zerolog.Event {
	return l.zlog.Debug().Str("msg", msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string) *zerolog.Event {
	return l.zlog.Warn().Str("msg", msg)
}

// Error logs an error message.
func (l *Logger) Error(msg string) *zerolog.Event {
	return l.zlog.Error().Str("msg", msg)
}

// Fatal logs a fatal message and exits.
func (l *Logger) Fatal(msg string) *zerolog.Event {
	return l.zlog.Fatal().Str("msg", msg)
}

// WithFields returns a logger with additional fields attached.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	ctx := l.zlog.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &Logger{zlog: ctx.Logger()}
}

// Component returns a sub-logger tagged with the given component name,
// e.g. "extentengine", "metadatastore", "checkpointer", "blobrouter".
func (l *Logger) Component(name string) *Logger {
	return &Logger{zlog: l.zlog.With().Str("component", name).Logger()}
}

// WithFile returns a sub-logger scoped to a single fileId, used by the
// extent engine and metadata store to correlate log lines per file.
func (l *Logger) WithFile(fileID string) *Logger {
	return &Logger{zlog: l.zlog.With().Str("file_id", fileID).Logger()}
}

// LogFlush records an extent-engine flush operation.
func (l *Logger) LogFlush(fileID string, pageCount int, duration time.Duration, err error) {
	event := l.zlog.Debug().
		Str("component", "extentengine").
		Str("file_id", fileID).
		Int("page_count", pageCount).
		Dur("duration_ms", duration)

	if err != nil {
		event = l.zlog.Error().
			Str("component", "extentengine").
			Str("file_id", fileID).
			Int("page_count", pageCount).
			Dur("duration_ms", duration).
			Err(err)
	}

	event.Msg("flush completed")
}

// LogCheckpoint records a checkpointer drain.
func (l *Logger) LogCheckpoint(trigger string, entityCount int, totalBytes int64, duration time.Duration) {
	l.zlog.Info().
		Str("component", "checkpointer").
		Str("trigger", trigger).
		Int("entity_count", entityCount).
		Int64("total_bytes", totalBytes).
		Dur("duration_ms", duration).
		Msg("checkpoint completed")
}

// LogMigration records a blob-router tiering pass.
func (l *Logger) LogMigration(dryRun bool, promoted, demoted int, duration time.Duration) {
	l.zlog.Info().
		Str("component", "blobrouter").
		Bool("dry_run", dryRun).
		Int("promoted", promoted).
		Int("demoted", demoted).
		Dur("duration_ms", duration).
		Msg("migration pass completed")
}

// LogEngineStart logs engine startup.
func (l *Logger) LogEngineStart(dataDir string) {
	l.zlog.Info().
		Str("event", "engine_start").
		Str("data_dir", dataDir).
		Msg("fsxengine starting")
}

// LogEngineReady logs when the engine finished initialization.
func (l *Logger) LogEngineReady() {
	l.zlog.Info().
		Str("event", "engine_ready").
		Msg("fsxengine ready")
}

// LogEngineShutdown logs engine shutdown.
func (l *Logger) LogEngineShutdown() {
	l.zlog.Info().
		Str("event", "engine_shutdown").
		Msg("fsxengine shutting down")
}

// Global logger instance.
var globalLogger *Logger

// InitGlobalLogger initializes the global logger.
func InitGlobalLogger(cfg Config) {
	globalLogger = NewLogger(cfg)
	log.Logger = *globalLogger.GetZerolog()
}

// GetGlobalLogger returns the global logger instance, initializing it
// with defaults on first use.
func GetGlobalLogger() *Logger {
	if globalLogger == nil {
		InitGlobalLogger(Config{
			Level:  "info",
			Pretty: true,
		})
	}
	return globalLogger
}
