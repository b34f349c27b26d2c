// pkg/logger/logger.go
package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Options struct {
	Service     string
	Environment string
	// Level is a zap level name; empty means info, or debug in development.
	Level string
}

// New builds the process logger. Development gets a colored console encoder,
// everything else JSON with ISO8601 timestamps. Sampling is off so that no
// payment transition is ever dropped from the log.
func New(opts Options) (*zap.Logger, error) {
	var cfg zap.Config
	if opts.Environment == "development" {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Sampling = nil
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	if opts.Level != "" {
		level, err := zapcore.ParseLevel(opts.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		cfg.Level = zap.NewAtomicLevelAt(level)
	}

	cfg.InitialFields = map[string]interface{}{
		"service":     opts.Service,
		"environment": opts.Environment,
	}
	return cfg.Build()
}
