// internal/utils/logger.go
package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/baileyji/M2FS-Control-sub000/internal/config"
	"github.com/baileyji/M2FS-Control-sub000/internal/model"
)

const defaultLogFile = "./logs/m2fs-agent.log"

// NewLogger builds the process logger from the logging section. Output is
// "stdout", "stderr" or a file path rotated by lumberjack.
func NewLogger(cfg *config.LoggingConfig) (*zap.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	sink, err := newWriteSyncer(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	core := zapcore.NewCore(newEncoder(cfg.Format), sink, level)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

func newEncoder(format string) zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.MessageKey = "message"
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(time.RFC3339Nano)
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	if format == "console" {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000")
		return zapcore.NewConsoleEncoder(encoderConfig)
	}
	return zapcore.NewJSONEncoder(encoderConfig)
}

func newWriteSyncer(cfg *config.LoggingConfig) (zapcore.WriteSyncer, error) {
	switch cfg.Output {
	case "stdout":
		return zapcore.Lock(os.Stdout), nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil
	}

	filename := cfg.Output
	if filename == "" {
		filename = defaultLogFile
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   filename,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}), nil
}

// parseLevel accepts debug, info, warn and error. Fatal is refused: the
// agent never exits from a log call.
func parseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel, nil
	case "", "info":
		return zapcore.InfoLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	}
	return zapcore.InfoLevel, fmt.Errorf("invalid log level: %s", level)
}

// NewConnectionLogger creates a connection-scoped logger
func NewConnectionLogger(baseLogger *zap.Logger, name string, kind model.ConnectionType, address string) *zap.Logger {
	return baseLogger.With(
		zap.String("connection", name),
		zap.String("transport", string(kind)),
		zap.String("address", address),
		zap.String("component", "connection"),
	)
}

// ServiceLogger tags entries with the owning service: the agent process,
// the journal writer or a monitor handler
type ServiceLogger struct {
	*zap.Logger
	serviceName string
}

// NewServiceLogger creates a service-specific logger
func NewServiceLogger(baseLogger *zap.Logger, serviceName string) *ServiceLogger {
	logger := baseLogger.With(
		zap.String("service", serviceName),
		zap.String("component", "service"),
	)

	return &ServiceLogger{
		Logger:      logger,
		serviceName: serviceName,
	}
}

// LogServiceStart logs service startup
func (sl *ServiceLogger) LogServiceStart(version string, config interface{}) {
	sl.Info("Service starting",
		zap.String("version", version),
		zap.Any("config", config),
	)
}

// LogServiceStop logs service shutdown
func (sl *ServiceLogger) LogServiceStop(reason string) {
	sl.Info("Service stopping",
		zap.String("reason", reason),
	)
}

// LogAPIRequest logs a monitor request; 4xx at Warn, 5xx at Error
func (sl *ServiceLogger) LogAPIRequest(method, path, userAgent, clientIP string, statusCode int, duration time.Duration) {
	level := zapcore.InfoLevel
	if statusCode >= 400 {
		level = zapcore.WarnLevel
	}
	if statusCode >= 500 {
		level = zapcore.ErrorLevel
	}

	if ce := sl.Check(level, "API request"); ce != nil {
		ce.Write(
			zap.String("method", method),
			zap.String("path", path),
			zap.String("user_agent", userAgent),
			zap.String("client_ip", clientIP),
			zap.Int("status_code", statusCode),
			zap.Duration("duration", duration),
		)
	}
}

// LogDatabaseQuery logs a journal statement at Debug, or at Error when it
// failed
func (sl *ServiceLogger) LogDatabaseQuery(query string, args []interface{}, duration time.Duration, err error) {
	fields := []zap.Field{
		zap.String("query", query),
		zap.Any("args", args),
		zap.Duration("duration", duration),
	}

	if err != nil {
		fields = append(fields, zap.Error(err))
		sl.Error("Database query failed", fields...)
	} else {
		sl.Debug("Database query executed", fields...)
	}
}

// CommandLogger tracks one client command from receipt to reply
type CommandLogger struct {
	logger    *zap.Logger
	startTime time.Time
}

// NewCommandLogger creates a command-scoped logger
func NewCommandLogger(baseLogger *zap.Logger, commandID, name, source string) *CommandLogger {
	logger := baseLogger.With(
		zap.String("command_id", commandID),
		zap.String("command", name),
		zap.String("source", source),
		zap.String("component", "command"),
	)

	return &CommandLogger{
		logger:    logger,
		startTime: time.Now(),
	}
}

// Logger returns the underlying zap logger
func (cl *CommandLogger) Logger() *zap.Logger {
	return cl.logger
}

// Received logs command receipt
func (cl *CommandLogger) Received(text string) {
	cl.logger.Debug("Command received", zap.String("text", text))
}

// Pending logs hand-off to background work
func (cl *CommandLogger) Pending() {
	cl.logger.Debug("Command pending", zap.Duration("elapsed", time.Since(cl.startTime)))
}

// Completed logs the reply
func (cl *CommandLogger) Completed(reply string) {
	cl.logger.Info("Command completed",
		zap.String("reply", reply),
		zap.Duration("duration", time.Since(cl.startTime)),
	)
}

// Failed logs a fault converted into an error reply
func (cl *CommandLogger) Failed(err error) {
	cl.logger.Warn("Command failed",
		zap.Error(err),
		zap.Duration("duration", time.Since(cl.startTime)),
	)
}

// CloseLogger flushes buffered log entries
func CloseLogger(logger *zap.Logger) error {
	return logger.Sync()
}
