package logger

import (
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name   string
		config Config
	}{
		{
			name: "valid config with file",
			config: Config{
				Level:      "info",
				MaxSize:    1,
				MaxBackups: 1,
				MaxAge:     1,
			},
		},
		{
			name: "valid config with stdout only",
			config: Config{
				Level:        "debug",
				EnableStdout: true,
			},
		},
		{
			name: "invalid log level defaults to info",
			config: Config{
				Level:        "invalid",
				EnableStdout: true,
			},
		},
		{
			name:   "empty config",
			config: Config{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log, err := New(tt.config)
			require.NoError(t, err)
			assert.NotNil(t, log)
		})
	}
}

func TestNew_CreatesLogDirectory(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "nested", "chatbridge.log")

	log, err := New(Config{Level: "info", File: logFile})
	require.NoError(t, err)
	assert.NotNil(t, log)
	assert.DirExists(t, filepath.Dir(logFile))
}

func TestNew_LogLevelSetting(t *testing.T) {
	tests := []struct {
		name     string
		level    string
		expected logrus.Level
	}{
		{"debug level", "debug", logrus.DebugLevel},
		{"info level", "info", logrus.InfoLevel},
		{"warn level", "warn", logrus.WarnLevel},
		{"error level", "error", logrus.ErrorLevel},
		{"invalid level defaults to info", "invalid", logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log, err := New(Config{Level: tt.level})
			require.NoError(t, err)
			assert.Equal(t, tt.expected, log.GetLevel())
		})
	}
}

func TestNew_FormatterSetting(t *testing.T) {
	// Debug mode uses text formatter
	log, err := New(Config{Level: "debug"})
	require.NoError(t, err)
	assert.IsType(t, &logrus.TextFormatter{}, log.Formatter)

	// Production mode uses JSON formatter
	log, err = New(Config{Level: "info"})
	require.NoError(t, err)
	assert.IsType(t, &logrus.JSONFormatter{}, log.Formatter)
}

func TestNew_IndependentInstances(t *testing.T) {
	first, err := New(Config{Level: "debug"})
	require.NoError(t, err)
	second, err := New(Config{Level: "error"})
	require.NoError(t, err)

	assert.NotSame(t, first, second)
	assert.Equal(t, logrus.DebugLevel, first.GetLevel())
	assert.Equal(t, logrus.ErrorLevel, second.GetLevel())
}
