package observ

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.RWMutex
	logger = mustBuild("info")
)

func mustBuild(level string) *zap.Logger {
	lvl := zapcore.InfoLevel
	if parsed, err := zapcore.ParseLevel(level); err == nil {
		lvl = parsed
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.MessageKey = "event"
	cfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	l, err := cfg.Build(zap.WithCaller(false))
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// Init reconfigures the process logger. level is one of debug/info/warn/error;
// anything else falls back to info.
func Init(level string) {
	l := mustBuild(level)
	mu.Lock()
	logger = l
	mu.Unlock()
}

// Sync flushes buffered log entries. Call on shutdown.
func Sync() {
	_ = get().Sync()
}

func get() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

func fields(kv map[string]any) []zap.Field {
	fs := make([]zap.Field, 0, len(kv))
	for k, v := range kv {
		fs = append(fs, zap.Any(k, v))
	}
	return fs
}

// Log emits a structured info event as a single JSON line.
func Log(event string, kv map[string]any) {
	get().Info(event, fields(kv)...)
}

func Debug(event string, kv map[string]any) {
	get().Debug(event, fields(kv)...)
}

func Warn(event string, kv map[string]any) {
	get().Warn(event, fields(kv)...)
}

func Error(event string, kv map[string]any) {
	get().Error(event, fields(kv)...)
}
