package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects log level, format and optional file output.
type Options struct {
	Level  string
	Format string // "console" or "json"
	File   string

	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int

	// Out replaces stdout, mainly for tests.
	Out io.Writer
}

// New builds the process logger. The returned closer flushes the rotating file, if any.
func New(options Options) (zerolog.Logger, io.Closer, error) {
	level, err := ParseLevel(options.Level)
	if err != nil {
		return zerolog.Nop(), nopCloser{}, err
	}

	out := options.Out
	if out == nil {
		out = os.Stdout
	}
	var console io.Writer = out
	switch strings.ToLower(strings.TrimSpace(options.Format)) {
	case "", "console":
		console = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	case "json":
	default:
		return zerolog.Nop(), nopCloser{}, fmt.Errorf("unsupported log format %q", options.Format)
	}

	writers := []io.Writer{console}
	var closer io.Closer = nopCloser{}
	if path := strings.TrimSpace(options.File); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return zerolog.Nop(), nopCloser{}, fmt.Errorf("create log directory: %w", err)
		}
		rotating := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    orDefault(options.MaxSizeMB, 10),
			MaxBackups: orDefault(options.MaxBackups, 3),
			MaxAge:     orDefault(options.MaxAgeDays, 14),
			Compress:   true,
		}
		writers = append(writers, rotating)
		closer = rotating
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().
		Timestamp().
		Logger()
	return logger, closer, nil
}

// ParseLevel maps a config string to a zerolog level. Empty means info.
func ParseLevel(value string) (zerolog.Level, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return zerolog.InfoLevel, nil
	}
	level, err := zerolog.ParseLevel(value)
	if err != nil {
		return zerolog.InfoLevel, fmt.Errorf("parse log level: %w", err)
	}
	return level, nil
}

func orDefault(value, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
