package logger

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls where log lines go and how the log file is rotated.
type Options struct {
	Debug      bool
	File       string
	MaxSizeMB  int
	MaxBackups int
	// Console mirrors every line to stderr in human readable form.
	Console bool
}

var (
	mu   sync.RWMutex
	base = zerolog.Nop()
	file *lumberjack.Logger
)

// Init configures the global logger from opts.
func Init(opts Options) error {
	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		_ = file.Close()
		file = nil
	}

	var writers []io.Writer
	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		_ = f.Close()

		file = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    zeroOr(opts.MaxSizeMB, 10),
			MaxBackups: zeroOr(opts.MaxBackups, 3),
		}
		writers = append(writers, file)
	}
	if opts.Console {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.DateTime})
	}

	level := zerolog.InfoLevel
	if opts.Debug {
		level = zerolog.DebugLevel
	}

	switch len(writers) {
	case 0:
		base = zerolog.Nop()
	case 1:
		base = zerolog.New(writers[0]).Level(level).With().Timestamp().Logger()
	default:
		base = zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(level).With().Timestamp().Logger()
	}

	return nil
}

// SetOutput routes log lines to w. Tests use it to capture output.
func SetOutput(w io.Writer, debug bool) {
	mu.Lock()
	defer mu.Unlock()

	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	base = zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// Close flushes and closes the log file, if any.
func Close() {
	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		_ = file.Close()
		file = nil
	}
	base = zerolog.Nop()
}

// With returns a child logger tagged with component.
func With(component string) zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()

	return base.With().Str("component", component).Logger()
}

func current() *zerolog.Logger {
	mu.RLock()
	l := base
	mu.RUnlock()
	return &l
}

func Debugf(format string, args ...any) { current().Debug().Msgf(format, args...) }

func Infof(format string, args ...any) { current().Info().Msgf(format, args...) }

func Warnf(format string, args ...any) { current().Warn().Msgf(format, args...) }

func Errorf(format string, args ...any) { current().Error().Msgf(format, args...) }

func zeroOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
