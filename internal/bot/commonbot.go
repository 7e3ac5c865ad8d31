package bot

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// CommonBot is the facade tying one chat platform to the application.
// It resolves the platform's Listener/Router/Middleware factories from
// the plugin registry, holds the active listeners and the single
// middleware and router, and exposes Listen, Route and Send.
type CommonBot struct {
	mu         sync.RWMutex
	option     *Option
	log        *logrus.Logger
	middleware Middleware
	listeners  []Listener
	router     Router
}

// NewCommonBot creates a bot for the platform selected in option.
// The logger is required; it is shared with every adapter the bot
// creates.
func NewCommonBot(option *Option, log *logrus.Logger) *CommonBot {
	return &CommonBot{
		option: option,
		log:    log,
	}
}

// Option returns the bot-wide configuration.
func (b *CommonBot) Option() *Option {
	return b.option
}

// Logger returns the bot's logger.
func (b *CommonBot) Logger() *logrus.Logger {
	return b.log
}

// Middleware returns the active middleware, or nil before the first
// Listen call.
func (b *CommonBot) Middleware() Middleware {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.middleware
}

// SetMiddleware replaces the active middleware. Used by tests to
// install doubles.
func (b *CommonBot) SetMiddleware(m Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middleware = m
}

// Listeners returns a snapshot of the active listeners in creation
// order.
func (b *CommonBot) Listeners() []Listener {
	b.mu.RLock()
	defer b.mu.RUnlock()

	snapshot := make([]Listener, len(b.listeners))
	copy(snapshot, b.listeners)
	return snapshot
}

// Router returns the active router, or nil before the first Route call.
func (b *CommonBot) Router() Router {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.router
}

// Listen creates a platform listener and registers the pair on it.
// Each call creates a new listener with its own matcher registry; all
// of them share the bot-wide middleware. Failures are logged and
// swallowed so application startup continues with whatever listeners
// did register.
func (b *CommonBot) Listen(matcher MatcherFunc, handler HandlerFunc) {
	plugin, err := lookupPlugin(b.option.ChatTool.Type)
	if err != nil {
		b.log.WithError(err).Error("failed-to-create-listener")
		return
	}

	listener := plugin.NewListener(b)
	listener.Listen(matcher, handler)

	b.mu.Lock()
	b.listeners = append(b.listeners, listener)
	b.mu.Unlock()
}

// Route registers the interactive-component webhook handler. Only one
// route per bot is supported; a second call overwrites the first.
func (b *CommonBot) Route(path string, handler RouteHandlerFunc) error {
	plugin, err := lookupPlugin(b.option.ChatTool.Type)
	if err != nil {
		return err
	}

	b.mu.Lock()
	if b.router == nil {
		b.router = plugin.NewRouter(b)
	}
	router := b.router
	b.mu.Unlock()

	return router.Register(path, handler)
}

// Send delivers messages through the active middleware.
func (b *CommonBot) Send(data *ChatContextData, messages []Message) error {
	middleware := b.Middleware()
	if middleware == nil {
		return fmt.Errorf("no middleware is running, call Listen first")
	}
	return middleware.Send(data, messages)
}

// Dispatch runs an inbound message through every listener's matchers
// in registration order. Handlers bound to a matched predicate run
// sequentially; a handler error is logged and the remaining handlers
// still run. Non-message payloads are ignored.
func (b *CommonBot) Dispatch(ctx context.Context, data *ChatContextData) {
	message, ok := data.Payload.Data.(string)
	if !ok || data.Payload.Type != PayloadTypeMessage {
		return
	}

	for _, listener := range b.Listeners() {
		for _, entry := range listener.Matcher().Matchers() {
			if !entry.Matcher(message) {
				continue
			}
			for _, handler := range entry.Handlers {
				if err := handler(ctx, data); err != nil {
					b.log.WithFields(logrus.Fields{
						"channel": data.Context.Chatting.Channel.Name,
						"user":    data.Context.Chatting.User.Name,
					}).WithError(err).Error("message-handler-failed")
				}
			}
		}
	}
}

// ensureMiddleware lazily constructs and starts the bot-wide
// middleware. Construction failure is returned to the caller;
// a Run failure is logged from the background goroutine and the
// middleware stays installed.
func (b *CommonBot) ensureMiddleware() error {
	b.mu.Lock()
	if b.middleware != nil {
		b.mu.Unlock()
		return nil
	}

	plugin, err := lookupPlugin(b.option.ChatTool.Type)
	if err != nil {
		b.mu.Unlock()
		return err
	}

	middleware, err := plugin.NewMiddleware(b)
	if err != nil {
		b.mu.Unlock()
		return fmt.Errorf("failed to create middleware: %w", err)
	}
	b.middleware = middleware
	b.mu.Unlock()

	go func() {
		if err := middleware.Run(); err != nil {
			b.log.WithError(err).Error("middleware-run-failed")
		}
	}()

	return nil
}
