package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/openchatops/chatbridge/internal/app"
	"github.com/openchatops/chatbridge/internal/bot"
	"github.com/openchatops/chatbridge/internal/config"
	"github.com/openchatops/chatbridge/internal/logger"

	// Platform adapters register themselves on import.
	_ "github.com/openchatops/chatbridge/internal/bot/dummy"
	_ "github.com/openchatops/chatbridge/internal/bot/mattermost"
	_ "github.com/openchatops/chatbridge/internal/bot/msteams"
	_ "github.com/openchatops/chatbridge/internal/bot/slack"
)

var (
	configFile string

	startCmd = &cobra.Command{
		Use:   "start",
		Short: "Start the chatbridge main process",
		Long:  "Start the chatbridge main process, connect to the configured chat platform and serve webhooks",
		Run: func(cmd *cobra.Command, args []string) {
			// Load configuration
			cfg, err := config.Load(configFile)
			if err != nil {
				log.Fatalf("Failed to load config: %v", err)
			}

			fmt.Printf("Starting chatbridge with config: %s\n", configFile)
			fmt.Printf("Chat tool: %s\n", cfg.ChatTool.Type)

			// Initialize logger
			lg, err := logger.New(logger.Config{
				Level:        cfg.Logging.Level,
				File:         cfg.Logging.File,
				MaxSize:      cfg.Logging.MaxSize,
				MaxBackups:   cfg.Logging.MaxBackups,
				MaxAge:       cfg.Logging.MaxAge,
				Compress:     cfg.Logging.Compress,
				EnableStdout: cfg.Logging.EnableStdout,
			})
			if err != nil {
				log.Fatalf("Failed to initialize logger: %v", err)
			}

			lg.WithFields(logrus.Fields{
				"config_file": configFile,
				"log_level":   cfg.Logging.Level,
				"chat_tool":   cfg.ChatTool.Type,
			}).Info("logger-initialized")

			messagingApp := app.New(app.Option{
				Protocol: cfg.MessagingApp.Protocol,
				HostName: cfg.MessagingApp.HostName,
				Port:     cfg.MessagingApp.Port,
				BasePath: cfg.MessagingApp.BasePath,
				TLSKey:   cfg.MessagingApp.TLSKey,
				TLSCert:  cfg.MessagingApp.TLSCert,
			}, lg)

			b := bot.NewCommonBot(botOption(cfg, messagingApp), lg)

			botName := b.Option().BotUserName()
			b.Listen(
				func(message string) bool {
					return strings.HasPrefix(message, "@"+botName+" help")
				},
				func(ctx context.Context, data *bot.ChatContextData) error {
					return b.Send(data, []bot.Message{{
						Type:    bot.MessageTypePlainText,
						Message: "Hi, I am " + botName + ". Mention me with a command and a registered plugin will pick it up.",
					}})
				},
			)

			if err := b.Route("/bot/action", func(ctx context.Context, data *bot.ChatContextData) (map[string]any, error) {
				if event, ok := data.Payload.Data.(*bot.Event); ok {
					lg.WithFields(logrus.Fields{
						"plugin_id":   event.PluginID,
						"action_id":   event.Action.ID,
						"action_type": event.Action.Type,
					}).Info("bot-action-received")
				}
				return map[string]any{}, nil
			}); err != nil {
				lg.WithError(err).Error("failed-to-register-action-route")
			}

			// Setup signal handling for graceful shutdown
			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

			serverErrChan := make(chan error, 1)
			go func() {
				serverErrChan <- messagingApp.Start()
			}()

			select {
			case sig := <-sigChan:
				lg.WithField("signal", sig.String()).Info("shutting-down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := messagingApp.Shutdown(shutdownCtx); err != nil {
					lg.WithError(err).Error("messaging-app-shutdown-failed")
				}
			case err := <-serverErrChan:
				if err != nil {
					log.Fatalf("Messaging app error: %v", err)
				}
			}

			lg.Info("chatbridge-stopped")
		},
	}
)

// botOption maps the file configuration onto the bot option.
func botOption(cfg *config.Config, messagingApp *app.MessagingApp) *bot.Option {
	option := &bot.Option{
		MessagingApp: messagingApp,
		ChatTool: bot.ChatToolOption{
			Type: bot.ChatToolType(cfg.ChatTool.Type),
		},
	}

	if mm := cfg.ChatTool.Mattermost; mm != nil {
		option.ChatTool.Mattermost = &bot.MattermostOption{
			Protocol:       mm.Protocol,
			HostName:       mm.HostName,
			Port:           mm.Port,
			BasePath:       mm.BasePath,
			TLSCertificate: mm.TLSCertificate,
			TeamURL:        mm.TeamURL,
			BotUserName:    mm.BotUserName,
			BotAccessToken: mm.BotAccessToken,
		}
	}
	if slack := cfg.ChatTool.Slack; slack != nil {
		option.ChatTool.Slack = &bot.SlackOption{
			BotUserName:   slack.BotUserName,
			SigningSecret: slack.SigningSecret,
			Token:         slack.Token,
			AppToken:      slack.AppToken,
			SocketMode:    slack.SocketMode,
		}
	}
	if teams := cfg.ChatTool.Msteams; teams != nil {
		option.ChatTool.Msteams = &bot.MsteamsOption{
			BotUserName: teams.BotUserName,
			BotID:       teams.BotID,
			BotPassword: teams.BotPassword,
		}
	}

	return option
}

func init() {
	startCmd.Flags().StringVarP(&configFile, "config", "c", "config.yaml", "Path to configuration file")
}
