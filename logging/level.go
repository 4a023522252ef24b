package logging

import (
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap/zapcore"
)

// Level is the log level of a logger or an individual record.
type Level int

// The set of supported levels, ordered by severity.
const (
	DEBUG Level = iota - 1
	INFO
	WARN
	ERROR
)

func (level Level) String() string {
	switch level {
	case DEBUG:
		return "Debug"
	case INFO:
		return "Info"
	case WARN:
		return "Warn"
	case ERROR:
		return "Error"
	}
	return "unknown"
}

// AsZap converts the Level to the equivalent zapcore.Level.
func (level Level) AsZap() zapcore.Level {
	switch level {
	case DEBUG:
		return zapcore.DebugLevel
	case INFO:
		return zapcore.InfoLevel
	case WARN:
		return zapcore.WarnLevel
	case ERROR:
		return zapcore.ErrorLevel
	}
	return zapcore.InfoLevel
}

// LevelFromString parses a level name, case-insensitively.
func LevelFromString(name string) (Level, error) {
	switch strings.ToLower(name) {
	case "debug":
		return DEBUG, nil
	case "", "info":
		return INFO, nil
	case "warn", "warning":
		return WARN, nil
	case "error":
		return ERROR, nil
	}
	return INFO, errors.Errorf("unknown log level: %q", name)
}

// AtomicLevel is a level that can be swapped concurrently.
type AtomicLevel struct {
	level *atomic.Int32
}

// NewAtomicLevelAt returns an AtomicLevel at the given starting level.
func NewAtomicLevelAt(level Level) AtomicLevel {
	return AtomicLevel{level: atomic.NewInt32(int32(level))}
}

// Get returns the current level.
func (al AtomicLevel) Get() Level {
	return Level(al.level.Load())
}

// Set changes the current level.
func (al AtomicLevel) Set(level Level) {
	al.level.Store(int32(level))
}
