package config

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// SetupLogging applies the level and formatter to the standard logrus
// logger.
func SetupLogging(lc LogConfig) error {
	level, err := logrus.ParseLevel(lc.Level)
	if err != nil {
		return fmt.Errorf("log.level %q: %w", lc.Level, ErrInvalidConfig)
	}

	switch strings.ToLower(lc.Format) {
	case "", "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("log.format %q: %w", lc.Format, ErrInvalidConfig)
	}
	logrus.SetLevel(level)
	return nil
}
