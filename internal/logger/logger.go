// Package logger builds the process-wide logrus logger. The logger is
// constructed once at startup and passed down to components; nothing in
// this module reaches for a global instance.
package logger

import (
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config represents the configuration for the logger
type Config struct {
	Level        string
	File         string
	MaxSize      int
	MaxBackups   int
	MaxAge       int
	Compress     bool
	EnableStdout bool
}

// New creates a logger with the given configuration
func New(config Config) (*logrus.Logger, error) {
	log := logrus.New()

	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		// Default to info level if parsing fails
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	// Create log directory if it doesn't exist
	if config.File != "" {
		logDir := filepath.Dir(config.File)
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return nil, err
		}
	}

	var writers []io.Writer

	// File output with rotation
	if config.File != "" {
		fileWriter := &lumberjack.Logger{
			Filename:   config.File,
			MaxSize:    config.MaxSize,    // megabytes
			MaxBackups: config.MaxBackups, // number of backups
			MaxAge:     config.MaxAge,     // days
			Compress:   config.Compress,   // compress old logs
		}
		writers = append(writers, fileWriter)
	}

	if config.EnableStdout {
		writers = append(writers, os.Stdout)
	}

	if len(writers) > 0 {
		log.SetOutput(io.MultiWriter(writers...))
	}

	if level == logrus.DebugLevel {
		// Text formatter with colors for debug mode
		log.SetFormatter(&logrus.TextFormatter{
			ForceColors:     true,
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
			DisableColors:   false,
		})
	} else {
		// JSON formatter for production
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05Z",
		})
	}

	return log, nil
}
