package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "chatbridge",
	Short: "chatbridge connects chat platforms to a uniform bot pipeline",
	Long: `chatbridge is a chat-bot integration layer. It normalizes inbound
events from Mattermost, Slack and Microsoft Teams into a uniform context,
dispatches them through registered matchers and handlers, and routes
replies back through the platform APIs.`,
}

// Execute executes the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(versionCmd)
}
