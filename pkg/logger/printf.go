package logger

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
)

// Logger is a simple interface for logging printf style messages.
type Logger interface {
	// Info logs an informational message.
	Info(format string, args ...interface{})
	InfoWithMarket(marketID uint64, format string, args ...interface{})

	// Error logs an error message.
	Error(format string, args ...interface{})
	ErrorWithMarket(marketID uint64, format string, args ...interface{})

	// Debug logs a debug message.
	Debug(format string, args ...interface{})
	DebugWithMarket(marketID uint64, format string, args ...interface{})

	// Notice logs a notice message. Notices share the warn level.
	Notice(format string, args ...interface{})
	NoticeWithMarket(marketID uint64, format string, args ...interface{})
}

// EmptyLogger is a simple implementation of the Logger interface that does nothing.
type EmptyLogger struct{}

var _ Logger = (*EmptyLogger)(nil)

func (l *EmptyLogger) Info(_ string, _ ...interface{})                       {}
func (l *EmptyLogger) InfoWithMarket(_ uint64, _ string, _ ...interface{})   {}
func (l *EmptyLogger) Error(_ string, _ ...interface{})                      {}
func (l *EmptyLogger) ErrorWithMarket(_ uint64, _ string, _ ...interface{})  {}
func (l *EmptyLogger) Debug(_ string, _ ...interface{})                      {}
func (l *EmptyLogger) DebugWithMarket(_ uint64, _ string, _ ...interface{})  {}
func (l *EmptyLogger) Notice(_ string, _ ...interface{})                     {}
func (l *EmptyLogger) NoticeWithMarket(_ uint64, _ string, _ ...interface{}) {}

// ZeroLogger implements Logger on top of a zerolog logger.
type ZeroLogger struct {
	log            zerolog.Logger
	enableColoring bool
}

var _ Logger = (*ZeroLogger)(nil)

// NewLogger wraps l. With coloring enabled the market prefix and the
// notice tag are colored for console output.
func NewLogger(l zerolog.Logger, enableColoring bool) *ZeroLogger {
	return &ZeroLogger{log: l, enableColoring: enableColoring}
}

func (l *ZeroLogger) marketPrefix(marketID uint64) string {
	prefix := fmt.Sprintf("[#%d] ", marketID)
	if l.enableColoring {
		prefix = color.New(color.FgHiCyan).Sprint(prefix)
	}
	return prefix
}

func (l *ZeroLogger) noticeTag() string {
	if l.enableColoring {
		return color.New(color.FgHiMagenta).Sprint("[NOTICE] ")
	}
	return "[NOTICE] "
}

func (l *ZeroLogger) Info(format string, args ...interface{}) {
	l.log.Info().Msgf(format, args...)
}

func (l *ZeroLogger) InfoWithMarket(marketID uint64, format string, args ...interface{}) {
	l.log.Info().Uint64("market_id", marketID).Msgf(l.marketPrefix(marketID)+format, args...)
}

func (l *ZeroLogger) Error(format string, args ...interface{}) {
	l.log.Error().Msgf(format, args...)
}

func (l *ZeroLogger) ErrorWithMarket(marketID uint64, format string, args ...interface{}) {
	l.log.Error().Uint64("market_id", marketID).Msgf(l.marketPrefix(marketID)+format, args...)
}

func (l *ZeroLogger) Debug(format string, args ...interface{}) {
	l.log.Debug().Msgf(format, args...)
}

func (l *ZeroLogger) DebugWithMarket(marketID uint64, format string, args ...interface{}) {
	l.log.Debug().Uint64("market_id", marketID).Msgf(l.marketPrefix(marketID)+format, args...)
}

func (l *ZeroLogger) Notice(format string, args ...interface{}) {
	l.log.Warn().Msgf(l.noticeTag()+format, args...)
}

func (l *ZeroLogger) NoticeWithMarket(marketID uint64, format string, args ...interface{}) {
	l.log.Warn().Uint64("market_id", marketID).Msgf(l.noticeTag()+l.marketPrefix(marketID)+format, args...)
}
