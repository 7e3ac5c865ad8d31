package msteams

import (
	"github.com/openchatops/chatbridge/internal/bot"
)

// Router stores the route handler for Teams invoke activities. No
// webhook is mounted here: the connector delivers every activity to
// the middleware's single endpoint, which runs the stored handler and
// returns its result as the invoke response.
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
