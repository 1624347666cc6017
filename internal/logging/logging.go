// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

type Config struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// New returns a logrus logger writing to out, or stderr when out is nil.
func New(cfg Config, out io.Writer) (*logrus.Logger, error) {
	if out == nil {
		out = os.Stderr
	}
	log := logrus.New()
	log.SetOutput(out)

	level := cfg.Level
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	log.SetLevel(lvl)

	switch strings.ToLower(cfg.Format) {
	case "", "text":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	return log, nil
}

// Component returns an entry tagged with the component name, falling back to
// a fresh logger when log is nil.
func Component(log *logrus.Logger, name string) *logrus.Entry {
	if log == nil {
		log = logrus.New()
	}
	return log.WithField("component", name)
}

// Slog adapts log for libraries that only accept a *slog.Logger. Records are
// written through logrus at the given level.
func Slog(log *logrus.Logger, level logrus.Level) *slog.Logger {
	var min slog.Level
	switch {
	case log.IsLevelEnabled(logrus.DebugLevel):
		min = slog.LevelDebug
	case log.IsLevelEnabled(logrus.InfoLevel):
		min = slog.LevelInfo
	case log.IsLevelEnabled(logrus.WarnLevel):
		min = slog.LevelWarn
	default:
		min = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(log.WriterLevel(level), &slog.HandlerOptions{Level: min}))
}
