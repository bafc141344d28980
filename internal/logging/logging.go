// Package logging builds the process logger.
package logging

import (
	"io"
	stdlog "log"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/stanstork/ledgersync/internal/config"
)

// New returns a console or JSON logger on stdout, optionally teed to a
// rotating file, and routes the standard library logger through it.
func New(cfg config.LogConfig) zerolog.Logger {
	return newLogger(cfg, os.Stdout)
}

func newLogger(cfg config.LogConfig, out io.Writer) zerolog.Logger {
	var primary io.Writer = out
	if !strings.EqualFold(cfg.Format, "json") {
		primary = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	}

	writer := primary
	if cfg.File != "" {
		writer = zerolog.MultiLevelWriter(primary, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     28,
			Compress:   true,
		})
	}

	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	logger := zerolog.New(writer).With().Timestamp().Logger()
	stdlog.SetFlags(0)
	stdlog.SetOutput(logger)
	return logger
}
