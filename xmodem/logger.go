package xmodem

import (
	"os"

	"github.com/rs/zerolog"
)

// Logger receives protocol traces. The engine logs through this
// printf-style interface so callers can route traces anywhere; the
// adapters below cover the common cases.
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Error(format string, args ...interface{})
}

// NoopLogger drops all traces.
type NoopLogger struct{}

func (NoopLogger) Debug(string, ...interface{}) {}
func (NoopLogger) Info(string, ...interface{})  {}
func (NoopLogger) Error(string, ...interface{}) {}

// ZerologLogger adapts a zerolog.Logger to the Logger interface.
type ZerologLogger struct {
	l zerolog.Logger
}

// NewZerologLogger wraps a zerolog.Logger for protocol logging.
func NewZerologLogger(l zerolog.Logger) *ZerologLogger {
	return &ZerologLogger{l: l}
}

func (z *ZerologLogger) Debug(format string, args ...interface{}) {
	z.l.Debug().Msgf(format, args...)
}

func (z *ZerologLogger) Info(format string, args ...interface{}) {
	z.l.Info().Msgf(format, args...)
}

func (z *ZerologLogger) Error(format string, args ...interface{}) {
	z.l.Error().Msgf(format, args...)
}

// FileLogger traces a transfer into an append-only log file. It is a
// zerolog pipeline writing timestamped JSON lines, so a debug log can
// be filtered with the usual tooling.
type FileLogger struct {
	*ZerologLogger
	file *os.File
}

// NewFileLogger creates a logger that appends to the file at path.
func NewFileLogger(path string) (*FileLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	zl := zerolog.New(file).With().Timestamp().Logger()
	return &FileLogger{
		ZerologLogger: NewZerologLogger(zl),
		file:          file,
	}, nil
}

func (l *FileLogger) Close() error {
	return l.file.Close()
}
