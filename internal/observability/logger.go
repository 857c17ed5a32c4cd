// File: internal/observability/logger.go
package observability

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/xkilldash9x/scamhunter/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// global holds the process-wide logger.
	global atomic.Pointer[zap.Logger]
	// initOnce guards Initialize.
	initOnce sync.Once
	// logFile remembers where the rotating file core writes, for `scamhunter logs`.
	logFile atomic.Value
)

const ansiReset = "\x1b[0m"

var ansiByName = map[string]string{
	"black":   "\x1b[30m",
	"red":     "\x1b[31m",
	"green":   "\x1b[32m",
	"yellow":  "\x1b[33m",
	"blue":    "\x1b[34m",
	"magenta": "\x1b[35m",
	"cyan":    "\x1b[36m",
	"white":   "\x1b[37m",
}

// Initialize builds the global logger from cfg, writing human output to consoleWriter
// and, when cfg.LogFile is set, JSON lines to a lumberjack-rotated file.
// Only the first call has any effect.
func Initialize(cfg config.LoggerConfig, consoleWriter zapcore.WriteSyncer) {
	initOnce.Do(func() {
		level := zap.NewAtomicLevel()
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			level.SetLevel(zap.InfoLevel)
		}

		cores := []zapcore.Core{zapcore.NewCore(encoderFor(cfg), consoleWriter, level)}

		if cfg.LogFile != "" {
			rotating := &lumberjack.Logger{
				Filename:   cfg.LogFile,
				MaxSize:    cfg.MaxSize,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAge,
				Compress:   cfg.Compress,
			}
			jsonEnc := encoderFor(config.LoggerConfig{Format: "json"})
			cores = append(cores, zapcore.NewCore(jsonEnc, zapcore.AddSync(rotating), level))
			logFile.Store(cfg.LogFile)
		}

		opts := []zap.Option{zap.AddStacktrace(zap.ErrorLevel)}
		if cfg.AddSource {
			opts = append(opts, zap.AddCaller())
		}

		name := cfg.ServiceName
		if name == "" {
			name = "scamhunter"
		}
		logger := zap.New(zapcore.NewTee(cores...), opts...).Named(name)
		global.Store(logger)

		zap.ReplaceGlobals(logger)
		zap.RedirectStdLog(logger)
	})
}

// InitializeLogger initializes with a locked stdout console writer.
func InitializeLogger(cfg config.LoggerConfig) {
	Initialize(cfg, zapcore.Lock(os.Stdout))
}

// ResetForTest clears global state. Tests only.
func ResetForTest() {
	global.Store(nil)
	logFile = atomic.Value{}
	initOnce = sync.Once{}
}

// LogFilePath returns the file the rotating core writes to, or "" when file logging is off.
func LogFilePath() string {
	if v, ok := logFile.Load().(string); ok {
		return v
	}
	return ""
}

func levelColorEncoder(colors config.ColorConfig) zapcore.LevelEncoder {
	byLevel := map[zapcore.Level]string{
		zapcore.DebugLevel:  colors.Debug,
		zapcore.InfoLevel:   colors.Info,
		zapcore.WarnLevel:   colors.Warn,
		zapcore.ErrorLevel:  colors.Error,
		zapcore.DPanicLevel: colors.DPanic,
		zapcore.PanicLevel:  colors.Panic,
		zapcore.FatalLevel:  colors.Fatal,
	}
	return func(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
		label := strings.ToUpper(level.String())
		if code, ok := ansiByName[byLevel[level]]; ok {
			enc.AppendString(code + label + ansiReset)
			return
		}
		enc.AppendString(label)
	}
}

// encoderFor returns the console encoder (colourised single-line) or the JSON encoder.
func encoderFor(cfg config.LoggerConfig) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02T15:04:05.000Z07:00")

	if cfg.Format == "console" {
		ec.EncodeLevel = levelColorEncoder(cfg.Colors)
		// Trailing dot makes the component stand out: "scamhunter.worker."
		ec.EncodeName = func(name string, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendString(name + ".")
		}
		return zapcore.NewConsoleEncoder(ec)
	}

	ec.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewJSONEncoder(ec)
}

// GetLogger returns the global logger, or a development logger named "fallback"
// when Initialize has not run yet.
func GetLogger() *zap.Logger {
	if logger := global.Load(); logger != nil {
		return logger
	}
	l, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	l.Warn("Global logger requested before initialization; using fallback.")
	return l.Named("fallback")
}

// JobFields are attached to every log line emitted while a job is being handled.
func JobFields(id int64, jobType string) []zap.Field {
	return []zap.Field{zap.Int64("job_id", id), zap.String("job_type", jobType)}
}

// Sync flushes buffered entries, ignoring the harmless errors some platforms
// return when syncing a terminal.
func Sync() {
	logger := global.Load()
	if logger == nil {
		return
	}
	if err := logger.Sync(); err != nil {
		msg := err.Error()
		if strings.Contains(msg, "sync /dev/stdout") ||
			strings.Contains(msg, "invalid argument") ||
			strings.Contains(msg, "operation not supported") {
			return
		}
		fmt.Fprintln(os.Stderr, "Error: failed to sync logger:", err)
	}
}
