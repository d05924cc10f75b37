package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options 日志参数
type Options struct {
	Debug bool
	Level string // 为空时 Debug 使用 debug 级别，否则 info

	// File 非空时同时写入滚动日志文件
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// New 创建日志；Debug 模式为彩色控制台输出，否则为 JSON
func New(opts Options) (*zap.Logger, error) {
	var config zap.Config
	if opts.Debug {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
	}

	if lvl := strings.TrimSpace(opts.Level); lvl != "" {
		var level zapcore.Level
		if err := level.Set(strings.ToLower(lvl)); err == nil {
			config.Level = zap.NewAtomicLevelAt(level)
		}
	}

	logger, err := config.Build()
	if err != nil {
		return nil, err
	}
	if opts.File == "" {
		return logger, nil
	}

	return logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, fileCore(opts, config.Level))
	})), nil
}

// fileCore 滚动文件输出，始终为 JSON
func fileCore(opts Options, level zapcore.LevelEnabler) zapcore.Core {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	rotator := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   true,
	}
	return zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(rotator), level)
}

// Must 创建失败时退回到 stderr 上的生产配置
func Must(opts Options) *zap.Logger {
	logger, err := New(opts)
	if err == nil {
		return logger
	}
	fallback := zap.New(zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		zapcore.Lock(os.Stderr),
		zapcore.InfoLevel,
	))
	fallback.Error("Failed to build logger, using fallback", zap.Error(err))
	return fallback
}
