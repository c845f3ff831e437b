// High level log wrapper, so it can output different log based on level.
//
// There are five levels in total: FATAL, ERROR, WARNING, INFO, DEBUG.
// The default log output level is INFO, you can change it by:
// - call log.SetLevelByString()
// - set environment variable `LOG_LEVEL`
//
// Output is produced by a zap logger; Infof and friends go through its sugared form,
// structured callers can grab the underlying logger with L().

package log

import (
	"io"
	"os"
	"strings"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LogLevel = zapcore.Level

const (
	LOG_LEVEL_DEBUG = zapcore.DebugLevel
	LOG_LEVEL_INFO  = zapcore.InfoLevel
	LOG_LEVEL_WARN  = zapcore.WarnLevel
	LOG_LEVEL_ERROR = zapcore.ErrorLevel
	LOG_LEVEL_FATAL = zapcore.FatalLevel
)

var _log = atomic.NewPointer(New())

func SetLevel(level LogLevel) {
	_log.Load().SetLevel(level)
}

func GetLogLevel() LogLevel {
	return _log.Load().level.Level()
}

func SetLevelByString(level string) {
	_log.Load().SetLevelByString(level)
}

// SetOutput redirects the global logger, mostly useful in tests. The level is kept. Safe to call while other
// goroutines log.
func SetOutput(w io.Writer) {
	l := NewLogger(w)
	l.SetLevel(GetLogLevel())
	_log.Store(l)
}

// L returns the structured logger behind the global wrapper.
func L() *zap.Logger {
	return _log.Load().zl.WithOptions(zap.AddCallerSkip(-1))
}

func Info(v ...interface{}) {
	_log.Load().sugar.Info(v...)
}

func Infof(format string, v ...interface{}) {
	_log.Load().sugar.Infof(format, v...)
}

func Panic(v ...interface{}) {
	_log.Load().sugar.Panic(v...)
}

func Panicf(format string, v ...interface{}) {
	_log.Load().sugar.Panicf(format, v...)
}

func Debug(v ...interface{}) {
	_log.Load().sugar.Debug(v...)
}

func Debugf(format string, v ...interface{}) {
	_log.Load().sugar.Debugf(format, v...)
}

func Warn(v ...interface{}) {
	_log.Load().sugar.Warn(v...)
}

func Warnf(format string, v ...interface{}) {
	_log.Load().sugar.Warnf(format, v...)
}

func Error(v ...interface{}) {
	_log.Load().sugar.Error(v...)
}

func Errorf(format string, v ...interface{}) {
	_log.Load().sugar.Errorf(format, v...)
}

func Fatal(v ...interface{}) {
	_log.Load().sugar.Fatal(v...)
}

func Fatalf(format string, v ...interface{}) {
	_log.Load().sugar.Fatalf(format, v...)
}

// Sync flushes buffered entries; call it before the process exits.
func Sync() error {
	return _log.Load().zl.Sync()
}

type Logger struct {
	zl    *zap.Logger
	sugar *zap.SugaredLogger
	level zap.AtomicLevel
}

func (l *Logger) SetLevel(level LogLevel) {
	l.level.SetLevel(level)
}

func (l *Logger) SetLevelByString(level string) {
	l.level.SetLevel(StringToLogLevel(level))
}

func (l *Logger) Sugar() *zap.SugaredLogger {
	return l.sugar
}

func StringToLogLevel(level string) LogLevel {
	switch strings.ToLower(level) {
	case "fatal":
		return LOG_LEVEL_FATAL
	case "error":
		return LOG_LEVEL_ERROR
	case "warn", "warning":
		return LOG_LEVEL_WARN
	case "debug":
		return LOG_LEVEL_DEBUG
	case "info":
		return LOG_LEVEL_INFO
	}
	return LOG_LEVEL_DEBUG
}

func New() *Logger {
	return NewLogger(os.Stderr)
}

func NewLogger(w io.Writer) *Logger {
	level := zap.NewAtomicLevelAt(LOG_LEVEL_INFO)
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		level.SetLevel(StringToLogLevel(l))
	}
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), zapcore.AddSync(w), level)
	zl := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	return &Logger{zl: zl, sugar: zl.Sugar(), level: level}
}
