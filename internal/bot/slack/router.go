package slack

import (
	"github.com/openchatops/chatbridge/internal/bot"
)

// Router stores the route handler for Slack interactive components.
// No webhook is mounted here: the middleware receives interactions
// through Socket Mode or its own Events API endpoints and invokes the
// stored handler after acknowledging the transport.
type Router struct {
	bot.BaseRouter
}

// NewRouter creates a router bound to the bot.
func NewRouter(b *bot.CommonBot) *Router {
	return &Router{BaseRouter: bot.NewBaseRouter(b)}
}

// Register stores the route.
func (r *Router) Register(path string, handler bot.RouteHandlerFunc) error {
	r.SetRoute(path, handler)
	return nil
}
