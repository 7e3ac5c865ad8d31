package mattermost

import (
	"github.com/openchatops/chatbridge/internal/bot"
)

// Listener registers message handlers for the Mattermost platform. The
// shared lazy-middleware behavior lives in bot.BaseListener.
type Listener struct {
	bot.BaseListener
}

// NewListener creates a listener bound to the bot.
func NewListener(b *bot.CommonBot) *Listener {
	return &Listener{BaseListener: bot.NewBaseListener(b)}
}

func init() {
	bot.RegisterPlugin(bot.ChatToolMattermost, bot.Plugin{
		NewListener: func(b *bot.CommonBot) bot.Listener {
			return NewListener(b)
		},
		NewRouter: func(b *bot.CommonBot) bot.Router {
			return NewRouter(b)
		},
		NewMiddleware: func(b *bot.CommonBot) (bot.Middleware, error) {
			return NewMiddleware(b)
		},
	})
}
