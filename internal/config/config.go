// Package config loads and validates the chatbridge YAML configuration.
//
// Configuration is loaded from a YAML file with three sections:
//
//   - messaging_app: webhook HTTP server settings
//   - chat_tool: the platform selection plus platform credentials
//   - logging: log configuration
//
// # Example Configuration
//
//	messaging_app:
//	  protocol: http
//	  port: 7701
//	  base_path: /chatbridge/api/v1
//	chat_tool:
//	  type: mattermost
//	  mattermost:
//	    protocol: https
//	    host_name: mm.yourcompany.com
//	    port: 443
//	    base_path: /api/v4
//	    team_url: core
//	    bot_user_name: zbot
//	    bot_access_token: ${MATTERMOST_ACCESS_TOKEN}
//	logging:
//	  level: info
//	  file: /var/log/chatbridge/chatbridge.log
//
// ${VAR} references are expanded from the environment; a reference to an
// unset variable fails loading so misconfiguration surfaces at startup.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultMessagingProtocol = "http"
	DefaultMessagingPort     = 7701
	DefaultMessagingBasePath = "/chatbridge/api/v1"

	DefaultLogLevel        = "info"
	DefaultLogMaxSize      = 100 // MB
	DefaultLogMaxBackups   = 5
	DefaultLogMaxAge       = 30 // days
	DefaultLogEnableStdout = true
)

// Load reads the configuration from file and expands environment
// variables.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData, err := expandEnv(string(data))
	if err != nil {
		return nil, fmt.Errorf("failed to expand environment variables: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// expandEnv replaces ${VAR_NAME} patterns with environment variable values
func expandEnv(input string) (string, error) {
	var missingVars []string

	result := os.Expand(input, func(key string) string {
		if val := os.Getenv(key); val != "" {
			return val
		}
		missingVars = append(missingVars, key)
		return ""
	})

	if len(missingVars) > 0 {
		return "", fmt.Errorf("missing required environment variables: %s",
			strings.Join(missingVars, ", "))
	}

	return result, nil
}

// validate fills defaults and rejects inconsistent platform selections.
func validate(config *Config) error {
	if config.MessagingApp.Protocol == "" {
		config.MessagingApp.Protocol = DefaultMessagingProtocol
	}
	if config.MessagingApp.Port == 0 {
		config.MessagingApp.Port = DefaultMessagingPort
	}
	if config.MessagingApp.BasePath == "" {
		config.MessagingApp.BasePath = DefaultMessagingBasePath
	}
	if config.MessagingApp.Protocol == "https" {
		if config.MessagingApp.TLSKey == "" || config.MessagingApp.TLSCert == "" {
			return fmt.Errorf("messaging_app requires tls_key and tls_cert when protocol is https")
		}
	}

	if config.Logging.Level == "" {
		config.Logging.Level = DefaultLogLevel
	}
	if config.Logging.MaxSize == 0 {
		config.Logging.MaxSize = DefaultLogMaxSize
	}
	if config.Logging.MaxBackups == 0 {
		config.Logging.MaxBackups = DefaultLogMaxBackups
	}
	if config.Logging.MaxAge == 0 {
		config.Logging.MaxAge = DefaultLogMaxAge
	}
	if !config.Logging.EnableStdout {
		config.Logging.EnableStdout = DefaultLogEnableStdout
	}

	switch config.ChatTool.Type {
	case "mattermost", "dummy":
		if config.ChatTool.Mattermost == nil {
			return fmt.Errorf("chat_tool.mattermost is required when type is %q", config.ChatTool.Type)
		}
		mm := config.ChatTool.Mattermost
		if mm.HostName == "" {
			return fmt.Errorf("chat_tool.mattermost.host_name is required")
		}
		if mm.BotUserName == "" {
			return fmt.Errorf("chat_tool.mattermost.bot_user_name is required")
		}
		if mm.Protocol == "" {
			mm.Protocol = "https"
		}
		if mm.Port == 0 {
			if mm.Protocol == "https" {
				mm.Port = 443
			} else {
				mm.Port = 80
			}
		}
		if mm.BasePath == "" {
			mm.BasePath = "/api/v4"
		}
	case "slack":
		if config.ChatTool.Slack == nil {
			return fmt.Errorf("chat_tool.slack is required when type is slack")
		}
		slack := config.ChatTool.Slack
		if slack.Token == "" {
			return fmt.Errorf("chat_tool.slack.token is required")
		}
		if slack.SocketMode && slack.AppToken == "" {
			return fmt.Errorf("chat_tool.slack.app_token is required when socket_mode is enabled")
		}
		if !slack.SocketMode && slack.SigningSecret == "" {
			return fmt.Errorf("chat_tool.slack.signing_secret is required when socket_mode is disabled")
		}
	case "msteams":
		if config.ChatTool.Msteams == nil {
			return fmt.Errorf("chat_tool.msteams is required when type is msteams")
		}
		if config.ChatTool.Msteams.BotID == "" || config.ChatTool.Msteams.BotPassword == "" {
			return fmt.Errorf("chat_tool.msteams.bot_id and bot_password are required")
		}
	case "":
		return fmt.Errorf("chat_tool.type is required")
	default:
		return fmt.Errorf("unsupported chat_tool.type %q", config.ChatTool.Type)
	}

	return nil
}
