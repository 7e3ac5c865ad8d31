package config

// Config is the root of the YAML configuration file.
type Config struct {
	MessagingApp MessagingAppConfig `yaml:"messaging_app"`
	ChatTool     ChatToolConfig     `yaml:"chat_tool"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// MessagingAppConfig configures the webhook HTTP server.
type MessagingAppConfig struct {
	Protocol string `yaml:"protocol"`
	HostName string `yaml:"host_name"`
	Port     int    `yaml:"port"`
	BasePath string `yaml:"base_path"`
	TLSKey   string `yaml:"tls_key"`
	TLSCert  string `yaml:"tls_cert"`
}

// ChatToolConfig selects the platform and carries its settings.
type ChatToolConfig struct {
	Type       string            `yaml:"type"`
	Mattermost *MattermostConfig `yaml:"mattermost"`
	Slack      *SlackConfig      `yaml:"slack"`
	Msteams    *MsteamsConfig    `yaml:"msteams"`
}

// MattermostConfig holds Mattermost server and bot account settings.
// The dummy platform reuses it against a local test server.
type MattermostConfig struct {
	Protocol       string `yaml:"protocol"`
	HostName       string `yaml:"host_name"`
	Port           int    `yaml:"port"`
	BasePath       string `yaml:"base_path"`
	TLSCertificate string `yaml:"tls_certificate"`
	TeamURL        string `yaml:"team_url"`
	BotUserName    string `yaml:"bot_user_name"`
	BotAccessToken string `yaml:"bot_access_token"`
}

// SlackConfig holds Slack app credentials.
type SlackConfig struct {
	BotUserName   string `yaml:"bot_user_name"`
	SigningSecret string `yaml:"signing_secret"`
	Token         string `yaml:"token"`
	AppToken      string `yaml:"app_token"`
	SocketMode    bool   `yaml:"socket_mode"`
}

// MsteamsConfig holds the Bot Framework app credentials.
type MsteamsConfig struct {
	BotUserName string `yaml:"bot_user_name"`
	BotID       string `yaml:"bot_id"`
	BotPassword string `yaml:"bot_password"`
}

// LoggingConfig controls the log sink.
type LoggingConfig struct {
	Level        string `yaml:"level"`
	File         string `yaml:"file"`
	MaxSize      int    `yaml:"max_size"`
	MaxBackups   int    `yaml:"max_backups"`
	MaxAge       int    `yaml:"max_age"`
	Compress     bool   `yaml:"compress"`
	EnableStdout bool   `yaml:"enable_stdout"`
}
