package main

import (
	"os"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"powerlink/config"
)

const (
	logMaxSizeMB  = 10
	logMaxBackups = 3
	logMaxAgeDays = 7
)

// buildLogger writes JSON to stderr, or colored console output at debug
// level. A configured log file gets a rotated JSON copy of every entry.
func buildLogger(cfg *config.DeviceConfig) *zap.Logger {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}
	atomic := zap.NewAtomicLevelAt(level)
	development := level == zapcore.DebugLevel

	var console zapcore.Encoder
	if development {
		encCfg := zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		console = zapcore.NewConsoleEncoder(encCfg)
	} else {
		console = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	}

	cores := []zapcore.Core{zapcore.NewCore(console, zapcore.Lock(os.Stderr), atomic)}
	if cfg.LogFile != "" {
		rotated := zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    logMaxSizeMB,
			MaxBackups: logMaxBackups,
			MaxAge:     logMaxAgeDays,
		})
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), rotated, atomic))
	}

	options := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel)}
	if development {
		options = append(options, zap.Development())
	}
	return zap.New(zapcore.NewTee(cores...), options...).With(zap.String("device", cfg.DeviceName))
}

func newLogger(lc fx.Lifecycle, cfg *config.DeviceConfig) *zap.Logger {
	logger := buildLogger(cfg)
	lc.Append(fx.StopHook(func() {
		_ = logger.Sync()
	}))
	return logger
}
