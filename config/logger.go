package config

import (
	"strings"

	"github.com/sirupsen/logrus"
)

var (
	logLevels  = []string{"debug", "info", "warn", "error"}
	logFormats = []string{"json", "text"}
)

// newLogrus builds a *logrus.Logger configured from level/format config
// strings, defaulting to info/text, mirroring the teacher's newLogger.
func newLogrus(level, format string) *logrus.Logger {
	logger := logrus.New()

	switch strings.ToLower(level) {
	case "", "info":
		logger.SetLevel(logrus.InfoLevel)
	case "debug":
		logger.SetLevel(logrus.DebugLevel)
	case "warn":
		logger.SetLevel(logrus.WarnLevel)
	case "error":
		logger.SetLevel(logrus.ErrorLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}

	switch strings.ToLower(format) {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logger.SetFormatter(&logrus.TextFormatter{})
	}

	return logger
}
