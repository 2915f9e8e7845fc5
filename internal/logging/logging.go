// Package logging builds the process logger.
//
// JSON is the default encoding; console output uses colored levels and is
// meant for interactive runs such as the load test.
package logging

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sheshant/sigiq/internal/config"
)

const serviceName = "chatd"

// Entries beyond the first samplePerTick with the same level and message
// within one sampleTick are sampled, keeping every samplePerTick-th.
const (
	sampleTick    = time.Second
	samplePerTick = 100
)

// NewLogger builds a zap logger based on configuration settings.
func NewLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	return build(cfg, zapcore.Lock(os.Stdout), zapcore.Lock(os.Stderr))
}

func build(cfg config.LoggingConfig, out, errOut zapcore.WriteSyncer) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	enc, err := newEncoder(cfg.Encoding)
	if err != nil {
		return nil, err
	}

	core := zapcore.NewSamplerWithOptions(
		zapcore.NewCore(enc, out, zap.NewAtomicLevelAt(level)),
		sampleTick, samplePerTick, samplePerTick,
	)

	opts := []zap.Option{
		zap.ErrorOutput(errOut),
		zap.AddCaller(),
		zap.Fields(zap.String("service", serviceName)),
	}
	if cfg.Development {
		opts = append(opts, zap.Development(), zap.AddStacktrace(zapcore.WarnLevel))
	} else {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}
	return zap.New(core, opts...), nil
}

func newEncoder(encoding string) (zapcore.Encoder, error) {
	ec := encoderConfig()
	switch encoding {
	case "", "json":
		return zapcore.NewJSONEncoder(ec), nil
	case "console":
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		ec.EncodeTime = zapcore.TimeEncoderOfLayout(time.TimeOnly)
		return zapcore.NewConsoleEncoder(ec), nil
	default:
		return nil, fmt.Errorf("unknown log encoding %q", encoding)
	}
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stack",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}
