// Package logging builds the process-wide zap logger.
package logging

import (
	"fmt"

	"github.com/blendle/zapdriver"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Supported output formats.
const (
	FormatJSON        = "json"
	FormatConsole     = "console"
	FormatStackdriver = "stackdriver"
)

// New returns a logger for service writing to stdout in the given format at
// the given level ("debug", "info", "warn", "error").
func New(level, format, service string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse level: %w", err)
	}

	var cfg zap.Config
	switch format {
	case FormatJSON, "":
		cfg = zap.NewProductionConfig()
	case FormatConsole:
		cfg = zap.NewDevelopmentConfig()
	case FormatStackdriver:
		cfg = zapdriver.NewProductionConfig()
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}

	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stdout"}
	cfg.DisableStacktrace = true
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.InitialFields = map[string]interface{}{
		"service": service,
	}

	log, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("config build: %w", err)
	}

	return log, nil
}
