package logger

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Config selects the log level, encoding and destination.
type Config struct {
	// Level is one of DEBUG, INFO, WARN, ERROR (case-insensitive)
	Level string

	// Format is "text" (console encoder) or "json"
	Format string

	// Output is "stdout", "stderr" or a file path (appended to)
	Output string
}

var (
	mu      sync.RWMutex
	level   = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	sugared = newSugared(zapcore.Lock(os.Stdout), "text")
	outFile *os.File
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// ParseLevel maps a level name to a Level. Unknown names report false.
func ParseLevel(name string) (Level, bool) {
	switch strings.ToUpper(name) {
	case "DEBUG":
		return LevelDebug, true
	case "INFO":
		return LevelInfo, true
	case "WARN":
		return LevelWarn, true
	case "ERROR":
		return LevelError, true
	}
	return LevelInfo, false
}

// SetLevel changes the minimum level at runtime. Unknown names are ignored.
func SetLevel(name string) {
	if l, ok := ParseLevel(name); ok {
		level.SetLevel(l.zapLevel())
	}
}

// Init rebuilds the global logger from cfg.
//
// Loggers obtained earlier through With keep writing to the previous sink.
func Init(cfg Config) error {
	var sink zapcore.WriteSyncer
	var file *os.File

	switch strings.ToLower(cfg.Output) {
	case "", "stdout":
		sink = zapcore.Lock(os.Stdout)
	case "stderr":
		sink = zapcore.Lock(os.Stderr)
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("open log output %q: %w", cfg.Output, err)
		}
		sink = zapcore.Lock(f)
		file = f
	}

	format := strings.ToLower(cfg.Format)
	if format != "" && format != "text" && format != "json" {
		if file != nil {
			_ = file.Close()
		}
		return fmt.Errorf("unknown log format %q", cfg.Format)
	}

	mu.Lock()
	defer mu.Unlock()

	_ = sugared.Sync()
	if outFile != nil {
		_ = outFile.Close()
	}
	sugared = newSugared(sink, format)
	outFile = file

	if cfg.Level != "" {
		SetLevel(cfg.Level)
	}
	return nil
}

// Sync flushes buffered entries.
func Sync() error {
	return current().Sync()
}

func newSugared(sink zapcore.WriteSyncer, format string) *zap.SugaredLogger {
	var encoder zapcore.Encoder
	if format == "json" {
		encCfg := zap.NewProductionEncoderConfig()
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg := zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encCfg.CallerKey = ""
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}
	return zap.New(zapcore.NewCore(encoder, sink, level)).Sugar()
}

func current() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return sugared
}

func Debug(format string, v ...any) {
	current().Debugf(format, v...)
}

func Info(format string, v ...any) {
	current().Infof(format, v...)
}

func Warn(format string, v ...any) {
	current().Warnf(format, v...)
}

func Error(format string, v ...any) {
	current().Errorf(format, v...)
}

// Logger is a printf-style logger carrying fixed key/value context.
type Logger struct {
	s *zap.SugaredLogger
}

// With returns a Logger that attaches keysAndValues to every entry.
func With(keysAndValues ...any) *Logger {
	return &Logger{s: current().With(keysAndValues...)}
}

func (l *Logger) Debug(format string, v ...any) { l.s.Debugf(format, v...) }
func (l *Logger) Info(format string, v ...any)  { l.s.Infof(format, v...) }
func (l *Logger) Warn(format string, v ...any)  { l.s.Warnf(format, v...) }
func (l *Logger) Error(format string, v ...any) { l.s.Errorf(format, v...) }
