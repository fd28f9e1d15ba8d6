// Package logx provides the process-wide structured logger.
//
// Console output with caller info in development, leveled JSON in
// production. Every other package logs through the package-level
// Debug/Info/Warn/Error/Fatal helpers rather than constructing its own
// zerolog.Logger, so log shape stays uniform across the gateway.
package logx

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Environment selects the logger's output format.
type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
)

// Init configures the global logger. Call once from the composition root.
func Init(env Environment, level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	if env == Production {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Level(lvl)
		return
	}

	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Caller().Logger().Level(lvl)
}

func Debug() *zerolog.Event { return log.Debug() }
func Info() *zerolog.Event  { return log.Info() }
func Warn() *zerolog.Event  { return log.Warn() }
func Error() *zerolog.Event { return log.Error() }
func Fatal() *zerolog.Event { return log.Fatal() }
