// Package logging builds the process-wide structured logger.
package logging

import (
	"os"

	"github.com/rs/zerolog"

	"github.com/edvin/wgfleet/internal/config"
)

// NewLogger creates a zerolog.Logger at the configured level. Unknown
// levels fall back to info.
func NewLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}
