package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger 全局日志，未初始化时不输出
var Logger = zap.NewNop()

// Init 根据运行模式初始化日志，release 使用 JSON 输出
func Init(mode string) error {
	var config zap.Config

	if mode == "release" {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	l, err := config.Build()
	if err != nil {
		return err
	}

	Logger = l
	return nil
}

// Named 返回带模块名的子日志
func Named(name string) *zap.Logger {
	return Logger.Named(name)
}

// Sync 刷新缓冲
func Sync() {
	if Logger != nil {
		_ = Logger.Sync()
	}
}
