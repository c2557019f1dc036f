package main

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mihaimyh/tiersync/pkg/entitlement"
	zlogger "github.com/mihaimyh/tiersync/pkg/entitlement/logger/zerolog"
)

// newLogger builds the process logger. Unknown levels fall back to info.
func newLogger(w io.Writer, level, format string) zerolog.Logger {
	if w == nil {
		w = os.Stdout
	}
	if format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	return zerolog.New(w).Level(lvl).With().Timestamp().Str("component", "tiersyncd").Logger()
}

func newEntitlementLogger(logger zerolog.Logger) entitlement.Logger {
	return zlogger.NewLogger(logger)
}
