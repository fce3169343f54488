package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	// FormatJSON writes one JSON object per line
	FormatJSON = "json"
	// FormatConsole writes human readable lines
	FormatConsole = "console"
)

// Config holds the configuration for logging
type Config struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Coloring   bool   `mapstructure:"coloring"`
	TimeFormat string `mapstructure:"time_format"`
	Caller     bool   `mapstructure:"caller"`
}

// ParseLevel converts a textual level into a zerolog level.
// "notice" is accepted as an alias of warn.
func ParseLevel(level string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "":
		return zerolog.InfoLevel, nil
	case "notice":
		return zerolog.WarnLevel, nil
	}
	parsed, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("invalid LOG_LEVEL value: %s, must be one of debug, info, notice, warn, error", level)
	}
	return parsed, nil
}

// Colored reports whether console output should carry colors
func (c Config) Colored() bool {
	return c.Coloring && strings.EqualFold(c.Format, FormatConsole)
}

// New constructs the process logger from config
func New(cfg Config) zerolog.Logger {
	return NewWithWriter(cfg, os.Stdout)
}

// NewWithWriter constructs a logger writing to w
func NewWithWriter(cfg Config, w io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.TimeFormat != "" {
		zerolog.TimeFieldFormat = cfg.TimeFormat
	}

	level, err := ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var out io.Writer = w
	if strings.EqualFold(cfg.Format, FormatConsole) {
		out = zerolog.ConsoleWriter{
			Out:        w,
			NoColor:    !cfg.Coloring,
			TimeFormat: zerolog.TimeFieldFormat,
		}
	}

	builder := zerolog.New(out).Level(level).With().Timestamp()
	if cfg.Caller {
		builder = builder.Caller()
	}
	return builder.Logger()
}

// Component returns a sub-logger tagged with the component name
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}
