package logging

import (
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Appender is an output for log entries. This is a subset of the zapcore.Core
// interface.
type Appender interface {
	// Write submits a structured log entry to the appender for logging.
	Write(zapcore.Entry, []zapcore.Field) error
	// Sync is for signaling that any buffered logs to `Write` should be flushed.
	Sync() error
}

// ConsoleAppender will print human readable log lines to an output such as
// stdout.
type ConsoleAppender struct {
	io zapcore.WriteSyncer
}

// NewStdoutAppender creates a new appender that prints to stdout.
func NewStdoutAppender() ConsoleAppender {
	return ConsoleAppender{zapcore.Lock(os.Stdout)}
}

// NewWriterAppender creates an appender that prints to an arbitrary writer.
func NewWriterAppender(writer zapcore.WriteSyncer) ConsoleAppender {
	return ConsoleAppender{writer}
}

var (
	consoleEncoder     zapcore.Encoder
	consoleEncoderOnce sync.Once
)

func getConsoleEncoder() zapcore.Encoder {
	consoleEncoderOnce.Do(func() {
		consoleEncoder = zapcore.NewConsoleEncoder(NewZapLoggerConfig().EncoderConfig)
	})
	return consoleEncoder
}

// Write outputs the log entry to the underlying stream.
func (appender ConsoleAppender) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	buf, err := getConsoleEncoder().EncodeEntry(entry, fields)
	if err != nil {
		return err
	}
	defer buf.Free()
	_, err = appender.io.Write(buf.Bytes())
	return err
}

// Sync is a no-op for console streams.
func (appender ConsoleAppender) Sync() error {
	return nil
}

// FileAppender writes log lines to a rotating file in the data directory so
// records survive when the diagnostics HTTP surface is unreachable.
type FileAppender struct {
	writer  *lumberjack.Logger
	encoder zapcore.Encoder
}

// NewFileAppender creates an appender writing to `sproutd.log` under dataDir,
// rotating at 10MB and keeping 3 backups.
func NewFileAppender(dataDir string) *FileAppender {
	return &FileAppender{
		writer: &lumberjack.Logger{
			Filename:   filepath.Join(dataDir, "sproutd.log"),
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		},
		encoder: zapcore.NewConsoleEncoder(func() zapcore.EncoderConfig {
			cfg := NewZapLoggerConfig().EncoderConfig
			// no terminal on the other end of a file
			cfg.EncodeLevel = zapcore.CapitalLevelEncoder
			return cfg
		}()),
	}
}

// Write appends the encoded entry to the rotating file.
func (appender *FileAppender) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	buf, err := appender.encoder.EncodeEntry(entry, fields)
	if err != nil {
		return err
	}
	defer buf.Free()
	_, err = appender.writer.Write(buf.Bytes())
	return err
}

// Sync rotates nothing and flushes nothing; lumberjack writes through.
func (appender *FileAppender) Sync() error {
	return nil
}

// Close closes the underlying file.
func (appender *FileAppender) Close() error {
	return appender.writer.Close()
}
