package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Fields is an alias so callers do not need to import logrus directly.
type Fields = logrus.Fields

type Logger struct {
	entry *logrus.Entry
}

// NewLogger builds a logger writing to stdout. Unknown levels fall back to
// info.
func NewLogger(level string, jsonFormat bool) *Logger {
	return NewLoggerTo(os.Stdout, level, jsonFormat)
}

// NewLoggerTo is NewLogger with an explicit writer.
func NewLoggerTo(out io.Writer, level string, jsonFormat bool) *Logger {
	logger := logrus.New()
	logger.Out = out

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)

	if jsonFormat {
		logger.SetFormatter(&logrus.JSONFormatter{
			PrettyPrint: false,
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
			PadLevelText:  true,
		})
	}

	return &Logger{entry: logrus.NewEntry(logger)}
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *Logger {
	return NewLoggerTo(io.Discard, "panic", false)
}

// With returns a child logger that always carries fields.
func (l *Logger) With(fields Fields) *Logger {
	return &Logger{entry: l.entry.WithFields(fields)}
}

func (l *Logger) Debug(msg string, fields ...Fields) {
	l.logWithFields(logrus.DebugLevel, msg, fields...)
}

func (l *Logger) Info(msg string, fields ...Fields) {
	l.logWithFields(logrus.InfoLevel, msg, fields...)
}

func (l *Logger) Warn(msg string, fields ...Fields) {
	l.logWithFields(logrus.WarnLevel, msg, fields...)
}

func (l *Logger) Error(msg string, fields ...Fields) {
	l.logWithFields(logrus.ErrorLevel, msg, fields...)
}

// Fatal logs and exits the process.
func (l *Logger) Fatal(msg string, fields ...Fields) {
	l.logWithFields(logrus.FatalLevel, msg, fields...)
	os.Exit(1)
}

// Writer exposes the logger as an io.Writer at error level, for libraries
// such as net/http that want a *log.Logger.
func (l *Logger) Writer() *io.PipeWriter {
	return l.entry.WriterLevel(logrus.ErrorLevel)
}

func (l *Logger) logWithFields(level logrus.Level, msg string, fields ...Fields) {
	entry := l.entry
	for _, field := range fields {
		entry = entry.WithFields(field)
	}
	entry.Log(level, msg)
}
