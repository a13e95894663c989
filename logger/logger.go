// Package logger provides the engine-wide structured logger.
package logger

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// Log is the package-level structured logger used throughout the engine.
var Log = logrus.New()

// Config controls where engine log output goes and at what level.
type Config struct {
	Path  string // optional log file path; stdout used when empty
	Level string // debug|info|warn|error|fatal|panic, default info
}

func parseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.InfoLevel
	}
}

// Init configures the package-level logger. Safe to call more than once.
func Init(cfg Config) error {
	Log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	Log.SetLevel(parseLevel(cfg.Level))

	if cfg.Path == "" {
		Log.SetOutput(os.Stdout)
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		Log.SetOutput(os.Stdout)
		Log.Warnf("falling back to stdout, could not open log file %s: %v", cfg.Path, err)
		return nil
	}
	Log.SetOutput(io.MultiWriter(os.Stdout, f))
	return nil
}

// With returns a logger entry tagged with the given fields, the shape used
// across the engine packages to identify a volume, tree or page in context.
func With(fields logrus.Fields) *logrus.Entry {
	return Log.WithFields(fields)
}
