package main

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/untoldecay/dedupfs/internal/config"
)

func logLevel(cfg *config.Config) zapcore.Level {
	if cfg.Verbose {
		return zapcore.DebugLevel
	}
	return zapcore.InfoLevel
}

// newCLILogger writes human-readable lines to stderr. One-shot commands
// use it so their stdout stays parseable.
func newCLILogger(cfg *config.Config) *zap.Logger {
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(os.Stderr),
		logLevel(cfg),
	)
	return zap.New(core)
}

// newServeLogger tees structured JSON into the rotating server log under
// <state-root>/log and human-readable lines to stderr.
func newServeLogger(cfg *config.Config) *zap.Logger {
	jsonCfg := zap.NewProductionEncoderConfig()
	jsonCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	consoleCfg := zap.NewDevelopmentEncoderConfig()
	consoleCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	rotating := zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.LogFile(),
		MaxSize:    cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAge:     cfg.LogMaxAgeDays,
	})

	level := logLevel(cfg)
	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewJSONEncoder(jsonCfg), rotating, level),
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleCfg), zapcore.Lock(os.Stderr), level),
	)
	return zap.New(core)
}
