package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Logger struct {
	level string
	base  zerolog.Logger
}

func New(level string) *Logger {
	return NewWithWriter(level, "console", os.Stdout)
}

// NewWithWriter builds a logger writing to w; format is "console" or "json".
func NewWithWriter(level, format string, w io.Writer) *Logger {
	lv := strings.ToLower(strings.TrimSpace(level))
	if lv == "" {
		lv = "info"
	}
	out := w
	if strings.ToLower(strings.TrimSpace(format)) != "json" {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.DateTime, NoColor: true}
	}
	base := zerolog.New(out).Level(parseLevel(lv)).With().Timestamp().Logger()
	return &Logger{level: lv, base: base}
}

// Nop discards everything; used by tests.
func Nop() *Logger {
	return &Logger{level: "error", base: zerolog.Nop()}
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func (l *Logger) With(key string, value any) *Logger {
	return &Logger{level: l.level, base: l.base.With().Interface(key, value).Logger()}
}

func (l *Logger) Zerolog() *zerolog.Logger {
	return &l.base
}

func (l *Logger) Debugf(format string, args ...any) {
	l.base.Debug().Msgf(format, args...)
}

func (l *Logger) Infof(format string, args ...any) {
	l.base.Info().Msgf(format, args...)
}

func (l *Logger) Warnf(format string, args ...any) {
	l.base.Warn().Msgf(format, args...)
}

func (l *Logger) Errorf(format string, args ...any) {
	l.base.Error().Msgf(format, args...)
}
