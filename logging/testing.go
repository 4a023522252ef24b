package logging

import (
	"sync"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// NewTestLogger returns a new logger that outputs Debug+ logs to the test
// output in local time.
func NewTestLogger(tb testing.TB) Logger {
	logger, _ := NewObservedTestLogger(tb)
	return logger
}

// NewObservedTestLogger is like NewTestLogger but also saves logs to an in
// memory observer.
func NewObservedTestLogger(tb testing.TB) (Logger, *observer.ObservedLogs) {
	const inUTC = false
	logger := &impl{tb.Name(), NewAtomicLevelAt(DEBUG), inUTC, []Appender{}, sync.Mutex{}}
	logger.AddAppender(&testAppender{tb: tb})

	observerCore, observedLogs := observer.New(zap.LevelEnablerFunc(zapcore.DebugLevel.Enabled))
	logger.AddAppender(observerAppender{observerCore})

	return logger, observedLogs
}

type testAppender struct {
	tb testing.TB
	mu sync.Mutex
}

func (a *testAppender) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	buf, err := getConsoleEncoder().EncodeEntry(entry, fields)
	if err != nil {
		return err
	}
	defer buf.Free()
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tb.Log(string(buf.Bytes()))
	return nil
}

func (a *testAppender) Sync() error { return nil }

// observerAppender adapts a zaptest observer core to the Appender interface.
type observerAppender struct {
	core zapcore.Core
}

func (a observerAppender) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	return a.core.Write(entry, fields)
}

func (a observerAppender) Sync() error { return a.core.Sync() }
