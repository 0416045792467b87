// Package logging provides structured logging functionality.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig holds logging configuration.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Console    bool   `mapstructure:"console"`
	JSON       bool   `mapstructure:"json"`
	File       bool   `mapstructure:"file"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"` // megabytes
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	home, _ := os.UserHomeDir()
	return LogConfig{
		Level:      "info",
		Console:    true,
		File:       true,
		FilePath:   filepath.Join(home, ".config", "spot-trader", "logs", "trader.log"),
		MaxSize:    100,
		MaxBackups: 7,
		MaxAge:     30,
	}
}

// NewLogger creates a new logger with default configuration.
func NewLogger() zerolog.Logger {
	return NewLoggerWithConfig(DefaultLogConfig())
}

// NewLoggerWithConfig creates a new logger with the specified configuration.
func NewLoggerWithConfig(cfg LogConfig) zerolog.Logger {
	var writers []io.Writer

	if cfg.Console {
		if cfg.JSON {
			writers = append(writers, os.Stdout)
		} else {
			writers = append(writers, zerolog.ConsoleWriter{
				Out:        os.Stdout,
				TimeFormat: time.RFC3339,
				FormatLevel: func(i interface{}) string {
					if ll, ok := i.(string); ok {
						switch ll {
						case "debug":
							return "\033[36mDBG\033[0m"
						case "info":
							return "\033[32mINF\033[0m"
						case "warn":
							return "\033[33mWRN\033[0m"
						case "error":
							return "\033[31mERR\033[0m"
						default:
							return ll
						}
					}
					return "???"
				},
			})
		}
	}

	// File writer with rotation
	if cfg.File && cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0755); err == nil {
			writers = append(writers, &lumberjack.Logger{
				Filename:   cfg.FilePath,
				MaxSize:    cfg.MaxSize,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAge,
				Compress:   true,
			})
		}
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = os.Stdout
	case 1:
		writer = writers[0]
	default:
		writer = zerolog.MultiLevelWriter(writers...)
	}

	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	return zerolog.New(writer).
		With().
		Timestamp().
		Caller().
		Logger()
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// SetDebugLevel sets the global log level to debug.
func SetDebugLevel() {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
}

// WithAsset adds an asset to the logger context.
func WithAsset(logger zerolog.Logger, asset string) zerolog.Logger {
	return logger.With().Str("asset", asset).Logger()
}

// WithComponent adds a component name to the logger context.
func WithComponent(logger zerolog.Logger, component string) zerolog.Logger {
	return logger.With().Str("component", component).Logger()
}

// WithOrderID adds an order ID to the logger context.
func WithOrderID(logger zerolog.Logger, orderID string) zerolog.Logger {
	return logger.With().Str("order_id", orderID).Logger()
}

// LogDecision logs a coordinator decision.
func LogDecision(logger zerolog.Logger, asset, action, source, urgency string, size, price float64, reason string) {
	logger.Info().
		Str("event", "decision").
		Str("asset", asset).
		Str("action", action).
		Str("source", source).
		Str("urgency", urgency).
		Float64("size", size).
		Float64("price", price).
		Str("reason", reason).
		Msg("Decision")
}

// LogOrder logs an order event.
func LogOrder(logger zerolog.Logger, orderID, asset, side, status string) {
	logger.Info().
		Str("event", "order").
		Str("order_id", orderID).
		Str("asset", asset).
		Str("side", side).
		Str("status", status).
		Msg("Order update")
}

// LogFill logs a fill applied to strategy state.
func LogFill(logger zerolog.Logger, asset, side string, size, price float64) {
	logger.Info().
		Str("event", "fill").
		Str("asset", asset).
		Str("side", side).
		Float64("size", size).
		Float64("price", price).
		Msg("Fill applied")
}

// LogRiskEvent logs a risk state change or trigger.
func LogRiskEvent(logger zerolog.Logger, kind, asset, detail string, value float64) {
	logger.Warn().
		Str("event", "risk").
		Str("kind", kind).
		Str("asset", asset).
		Float64("value", value).
		Str("detail", detail).
		Msg("Risk event")
}

// LogAPICall logs an exchange call.
func LogAPICall(logger zerolog.Logger, method, asset string, duration time.Duration, err error) {
	event := logger.Debug().
		Str("event", "api_call").
		Str("method", method).
		Str("asset", asset).
		Dur("duration", duration)

	if err != nil {
		event.Err(err).Msg("API call failed")
	} else {
		event.Msg("API call completed")
	}
}
