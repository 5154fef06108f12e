// Package logging builds the service's zap logger.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the log level and encoding. Debug mirrors the gateway's
// debug-log switch: when false, nothing below warn is written.
type Config struct {
	Level    string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	Encoding string `mapstructure:"encoding" validate:"omitempty,oneof=json console"`
	Debug    bool   `mapstructure:"debug"`
}

// Standard field names.
const (
	FieldOrderKey = "order_key"
	FieldOrderID  = "order_id"
	FieldChannel  = "channel"
	FieldStatus   = "status"
	FieldEvent    = "event"
)

// New builds a logger for cfg.
func New(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}
	if !cfg.Debug && level < zapcore.WarnLevel {
		level = zapcore.WarnLevel
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.EncoderConfig.TimeKey = "ts"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if cfg.Encoding != "" {
		zc.Encoding = cfg.Encoding
	}
	if zc.Encoding == "console" {
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger.Named("reconciler"), nil
}

// OrderKey is a zap field for an order key.
func OrderKey(key string) zap.Field { return zap.String(FieldOrderKey, key) }

// OrderID is a zap field for an order id.
func OrderID(id int64) zap.Field { return zap.Int64(FieldOrderID, id) }

// Channel is a zap field for a notification channel.
func Channel(name string) zap.Field { return zap.String(FieldChannel, name) }
