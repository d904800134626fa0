// Package logger wraps zap with the settings shared by the client and the
// server.
package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger holds the process-wide zap logger.
type Logger struct {
	Log *zap.Logger
}

// New returns a Logger with a no-op zap logger. Call Init to configure it.
func New() *Logger {
	return &Logger{Log: zap.NewNop()}
}

// Init builds a production JSON logger writing to stderr at the given level.
func (l *Logger) Init(level string) error {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	zl, err := cfg.Build()
	if err != nil {
		return err
	}
	l.Log = zl
	return nil
}

// InitFile builds a logger that writes to a rotated file. The interactive
// client uses it so log lines do not interleave with the prompt. An empty
// path falls back to stderr.
func (l *Logger) InitFile(level, path string) error {
	if path == "" {
		return l.Init(level)
	}
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return err
	}
	w := zapcore.AddSync(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
	})
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), w, lvl)
	l.Log = zap.New(core, zap.ErrorOutput(zapcore.Lock(os.Stderr)))
	return nil
}

// Sync flushes buffered entries.
func (l *Logger) Sync() {
	_ = l.Log.Sync()
}
