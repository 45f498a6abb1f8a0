// Package logging wraps github.com/rs/zerolog with the daemon's
// conventions (Init(Config), WithComponent, package-level helpers) and
// tees every line into a ring buffer so the control plane's
// GET_LOG/CLEAR_LOG can answer without a separate logging backend.
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance.
	Logger zerolog.Logger

	// GlobalRing is the global log-ring buffer every Init call wires into
	// Logger's output, so every line logged through this package is
	// retrievable via GetLog regardless of which component emitted it.
	GlobalRing = NewRing(DefaultRingSize)
)

// Level represents a log level.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger, tee'd into Ring.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	var w io.Writer
	if cfg.JSONOutput {
		w = zerolog.MultiLevelWriter(output, GlobalRing)
	} else {
		w = zerolog.MultiLevelWriter(zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}, GlobalRing)
	}
	Logger = zerolog.New(w).With().Timestamp().Logger()
}

// SetLevel adjusts the global level at runtime, backing the control
// plane's setdebug surface.
func SetLevel(l Level) error {
	switch l {
	case DebugLevel:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case InfoLevel:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case WarnLevel:
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case ErrorLevel:
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		return fmt.Errorf("logging: unknown level %q", l)
	}
	return nil
}

// CurrentLevel reports the global level as a Level string.
func CurrentLevel() Level {
	switch zerolog.GlobalLevel() {
	case zerolog.DebugLevel:
		return DebugLevel
	case zerolog.WarnLevel:
		return WarnLevel
	case zerolog.ErrorLevel:
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// LevelControl adapts SetLevel/CurrentLevel to the control plane's
// debug-level get/set surface.
type LevelControl struct{}

func (LevelControl) SetDebugLevel(level string) error { return SetLevel(Level(level)) }
func (LevelControl) DebugLevel() string               { return string(CurrentLevel()) }

// WithComponent creates a child logger tagged with component.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithPNN creates a child logger tagged with this node's physical node
// number.
func WithPNN(pnn int32) zerolog.Logger {
	return Logger.With().Int32("pnn", pnn).Logger()
}

func Info(msg string) { Logger.Info().Msg(msg) }

func Debug(msg string) { Logger.Debug().Msg(msg) }

func Warn(msg string) { Logger.Warn().Msg(msg) }

func Error(msg string) { Logger.Error().Msg(msg) }

func Errorf(format string, err error) { Logger.Error().Err(err).Msg(format) }

func Fatal(msg string) { Logger.Fatal().Msg(msg) }
