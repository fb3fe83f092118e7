package sessionlog

import (
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/GeminiDRSoftware/IRAF-VM/pkg/errors"
)

// Log writes the per-session log file shared between the supervisor and the
// VM child process. Supervisor lines carry a local HH:MM:SS timestamp and a
// two-space separator; raw writes (blank separators, error blocks, the final
// status report) go through untimestamped. The file is opened lazily in
// append mode, so the child's inherited descriptor and this writer can both
// append without clobbering each other.
type Log struct {
	mu    sync.Mutex
	path  string
	file  *os.File
	sugar *zap.SugaredLogger
}

func New(path string) *Log {
	l := &Log{path: path}
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig()),
		zapcore.AddSync(appendWriter{log: l}),
		zapcore.DebugLevel,
	)
	l.sugar = zap.New(core).Sugar()
	return l
}

// encoderConfig drops everything except the time and the message, matching
// the log format this file has always had.
func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		MessageKey: "msg",
		TimeKey:    "ts",
		LevelKey:   zapcore.OmitKey,
		EncodeTime: func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendString(t.Format("15:04:05"))
		},
		LineEnding:       zapcore.DefaultLineEnding,
		ConsoleSeparator: "  ",
	}
}

func (l *Log) Path() string {
	return l.path
}

// Reset closes any open handle and removes the file, so the next write
// recreates it. Append mode from scratch keeps supervisor and child writes
// from overwriting each other; a missing file is not an error.
func (l *Log) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return errors.NewIOError("failed to remove session log", err).WithContext("path", l.path)
	}
	return nil
}

func (l *Log) Debugf(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

func (l *Log) Infof(format string, args ...interface{}) {
	l.sugar.Infof(format, args...)
}

func (l *Log) Warnf(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

func (l *Log) Errorf(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

// Raw appends msg followed by a newline, without a timestamp. Used for the
// blank separator before a run, dashed error blocks and the status report.
func (l *Log) Raw(msg string) {
	l.write([]byte(msg + "\n"))
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	if err != nil {
		return errors.NewIOError("failed to close session log", err).WithContext("path", l.path)
	}
	return nil
}

func (l *Log) write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return 0, errors.NewIOError("failed to open session log", err).WithContext("path", l.path)
		}
		l.file = f
	}
	return l.file.Write(p)
}

// appendWriter adapts Log into the zap core's write sink.
type appendWriter struct {
	log *Log
}

func (w appendWriter) Write(p []byte) (int, error) {
	return w.log.write(p)
}
