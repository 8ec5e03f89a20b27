// Package logging provides pre-configured component loggers for notchd.
package logging

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	mu      sync.Mutex
	loggers = make(map[string]*logrus.Entry)

	defaultLevel  = logrus.InfoLevel
	defaultFormat = "text"
)

// Configure sets the level and format applied to loggers created afterwards.
// The NOTCHD_LOG_LEVEL environment variable overrides the configured level.
func Configure(level, format string) {
	mu.Lock()
	defer mu.Unlock()

	if env := os.Getenv("NOTCHD_LOG_LEVEL"); env != "" {
		level = env
	}
	if parsed, err := logrus.ParseLevel(level); err == nil {
		defaultLevel = parsed
	}
	if format != "" {
		defaultFormat = format
	}
}

// NewLogger returns a logger entry tagged with the given component name.
// Loggers are cached per component.
func NewLogger(component string) *logrus.Entry {
	mu.Lock()
	defer mu.Unlock()

	if entry, ok := loggers[component]; ok {
		return entry
	}

	logger := logrus.New()
	logger.SetLevel(defaultLevel)
	logger.SetOutput(os.Stderr)

	switch defaultFormat {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	entry := logger.WithField("component", component)
	loggers[component] = entry
	return entry
}
