package log

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	defaultLogFilePath = "./logs/msg_relay.log"
	defaultMaxSizeMB   = 20
	defaultMaxBackups  = 5
	envLogFilePath     = "LOG_FILE_PATH"
	envLogMaxSizeMB    = "LOG_MAX_SIZE_MB"
	envLogFormat       = "LOG_FORMAT"
	envLogLevel        = "LOG_LEVEL"
	logFormatText      = "text"
	logFormatJSON      = "json"
)

type Config struct {
	FilePath  string
	MaxSizeMB int
	Format    string
	Level     string
	Stdout    bool
}

var (
	mu     sync.RWMutex
	level  = zap.NewAtomicLevelAt(zap.InfoLevel)
	global = mustBuild(configFromEnv())
)

func configFromEnv() Config {
	cfg := Config{
		FilePath:  strings.TrimSpace(os.Getenv(envLogFilePath)),
		MaxSizeMB: defaultMaxSizeMB,
		Format:    strings.ToLower(strings.TrimSpace(os.Getenv(envLogFormat))),
		Level:     strings.TrimSpace(os.Getenv(envLogLevel)),
		Stdout:    true,
	}
	if cfg.FilePath == "" {
		cfg.FilePath = defaultLogFilePath
	}
	if raw := strings.TrimSpace(os.Getenv(envLogMaxSizeMB)); raw != "" {
		if sizeMB, err := strconv.Atoi(raw); err == nil && sizeMB > 0 {
			cfg.MaxSizeMB = sizeMB
		}
	}
	return cfg
}

func mustBuild(cfg Config) *zap.SugaredLogger {
	l, err := New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init error: %v\n", err)
		return zap.NewNop().Sugar()
	}
	return l
}

// New builds a sugared logger writing to stdout and a rotated file.
// An empty FilePath disables file output.
func New(cfg Config) (*zap.SugaredLogger, error) {
	level.SetLevel(parseLevel(cfg.Level))

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	encCfg.EncodeCaller = zapcore.ShortCallerEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	var encoder zapcore.Encoder
	if cfg.Format == logFormatJSON {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	var syncers []zapcore.WriteSyncer
	if cfg.Stdout {
		syncers = append(syncers, zapcore.AddSync(os.Stdout))
	}
	if cfg.FilePath != "" {
		maxSize := cfg.MaxSizeMB
		if maxSize <= 0 {
			maxSize = defaultMaxSizeMB
		}
		syncers = append(syncers, zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    maxSize,
			MaxBackups: defaultMaxBackups,
		}))
	}
	if len(syncers) == 0 {
		return zap.NewNop().Sugar(), nil
	}

	core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(syncers...), level)
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).Sugar(), nil
}

// Replace swaps the package logger, e.g. for tests or a service-specific config.
func Replace(l *zap.SugaredLogger) {
	mu.Lock()
	defer mu.Unlock()
	global = l
}

func SetLevel(lvl string) {
	level.SetLevel(parseLevel(lvl))
}

func Sync() {
	_ = current().Sync()
}

func current() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return global
}

func parseLevel(lvl string) zapcore.Level {
	switch strings.ToLower(lvl) {
	case "debug":
		return zap.DebugLevel
	case "warn":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

func Debugf(format string, args ...any) {
	current().Debugf(format, args...)
}

func Infof(format string, args ...any) {
	current().Infof(format, args...)
}

func Warnf(format string, args ...any) {
	current().Warnf(format, args...)
}

func Errorf(format string, args ...any) {
	current().Errorf(format, args...)
}

// Exceptionf logs at error level with a stack trace attached.
func Exceptionf(format string, args ...any) {
	current().With(zap.StackSkip("stack", 1)).Errorf(format, args...)
}
