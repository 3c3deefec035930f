package config

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/HerbHall/keyproxy/internal/clock"
)

// NewLogger creates a configured Zap logger.
// Level is one of debug, info, warn, error (default "info") and format is
// json or console (default "json"). When Dir is set every entry is also
// written to a daily file in that directory.
func NewLogger(cfg LoggingConfig) (*zap.Logger, error) {
	return newLogger(cfg, clock.Real())
}

func newLogger(cfg LoggingConfig, clk clock.Clock) (*zap.Logger, error) {
	level := cfg.Level
	if level == "" {
		level = "info"
	}
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var zc zap.Config
	switch cfg.Format {
	case "console":
		zc = zap.NewDevelopmentConfig()
	case "json", "":
		zc = zap.NewProductionConfig()
	default:
		return nil, fmt.Errorf("invalid log format %q: must be \"json\" or \"console\"", cfg.Format)
	}
	zc.Level = zap.NewAtomicLevelAt(zapLevel)

	var opts []zap.Option
	if cfg.Dir != "" {
		file := NewDailyFile(cfg.Dir, clk)
		encCfg := zap.NewProductionEncoderConfig()
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		fileCore := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(file), zc.Level)
		opts = append(opts, zap.WrapCore(func(c zapcore.Core) zapcore.Core {
			return zapcore.NewTee(c, fileCore)
		}))
	}

	return zc.Build(opts...)
}
