package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger  *zap.Logger
	sugared *zap.SugaredLogger
	level   = zap.NewAtomicLevelAt(zapcore.WarnLevel)
)

func init() {
	if l := os.Getenv("LOG_LEVEL"); l != "" {
		_ = level.UnmarshalText([]byte(l))
	}
	DevelopmentMode()
}

// SetLevel adjusts the level of the loggers.
func SetLevel(l zapcore.Level) {
	level.SetLevel(l)
}

// DevelopmentMode switches logging output to development mode.
func DevelopmentMode() {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = level
	cfg.DisableCaller = true
	cfg.DisableStacktrace = true

	l, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	logger = l
	sugared = l.Sugar()
}

// L returns the global raw logger.
func L() *zap.Logger {
	return logger
}

// S returns the global sugared logger.
func S() *zap.SugaredLogger {
	return sugared
}
