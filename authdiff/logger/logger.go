// Package logger builds the zap logger used across the service.
package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/go-appsec/authdiff/authdiff/config"
)

type Logger struct {
	*zap.SugaredLogger
	base *zap.Logger
}

// New builds a logger writing to stderr and, when cfg.File is set, to a rotated log file.
func New(cfg config.LogConfig) (*Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	var encCfg zapcore.EncoderConfig
	var enc zapcore.Encoder
	if strings.EqualFold(cfg.Format, "json") {
		encCfg = zap.NewProductionEncoderConfig()
		encCfg.TimeKey = "timestamp"
		encCfg.EncodeTime = zapcore.RFC3339TimeEncoder
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg = zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encCfg.TimeKey = "timestamp"
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level),
	}
	if cfg.File != "" {
		fileEnc := zap.NewProductionEncoderConfig()
		fileEnc.TimeKey = "timestamp"
		fileEnc.EncodeTime = zapcore.RFC3339TimeEncoder
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(fileEnc), zapcore.AddSync(rotator), level))
	}

	base := zap.New(zapcore.NewTee(cores...),
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	).With(zap.String("service", "authdiff"), zap.String("version", config.Version))

	return &Logger{SugaredLogger: base.Sugar(), base: base}, nil
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	base := zap.NewNop()
	return &Logger{SugaredLogger: base.Sugar(), base: base}
}

// Wrap adapts an existing zap logger, mostly for tests using zaptest or observer cores.
func Wrap(base *zap.Logger) *Logger {
	return &Logger{SugaredLogger: base.Sugar(), base: base}
}

func (l *Logger) WithFields(fields ...interface{}) *Logger {
	sugared := l.With(fields...)
	return &Logger{SugaredLogger: sugared, base: sugared.Desugar()}
}

func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// Zap returns the underlying structured logger.
func (l *Logger) Zap() *zap.Logger { return l.base }

// Sync flushes buffered entries. Errors from syncing a terminal are ignored.
func (l *Logger) Sync() {
	_ = l.base.Sync()
}
