package bot

// Middleware is the per-platform adapter. It owns the platform
// connection or session, translates platform events into
// ChatContextData and translates outbound messages back into platform
// API calls.
type Middleware interface {
	// Run constructs the platform client from the bot option and
	// establishes the real-time connection, or registers the webhook
	// handler for webhook-style platforms.
	Run() error

	// Send delivers the messages. When data carries a non-nil chat-tool
	// context the reply goes to the originating conversation; otherwise
	// the target channel is resolved from data's channel name or id.
	Send(data *ChatContextData, messages []Message) error
}

// Listener registers (matcher, handler) pairs for inbound messages.
// Each Listener owns its own MessageMatcher; all Listeners of one bot
// share the bot-wide Middleware.
type Listener interface {
	// Listen ensures the bot-wide middleware is running, then registers
	// the pair. Failures are logged, never returned: when the middleware
	// cannot be constructed the pair is not registered.
	Listen(matcher MatcherFunc, handler HandlerFunc)

	// Matcher returns the listener's registry.
	Matcher() *MessageMatcher
}

// Router registers the single webhook route for interactive-component
// callbacks. A second Register call overwrites the first.
type Router interface {
	Register(path string, handler RouteHandlerFunc) error

	// Path and Handler expose the current registration; Handler returns
	// nil before the first Register call.
	Path() string
	Handler() RouteHandlerFunc
}

// BaseListener carries the state shared by all platform listeners.
// Platform packages embed it and reuse Listen as-is.
type BaseListener struct {
	bot     *CommonBot
	matcher *MessageMatcher
}

// NewBaseListener creates the shared listener state for the bot.
func NewBaseListener(b *CommonBot) BaseListener {
	return BaseListener{
		bot:     b,
		matcher: NewMessageMatcher(),
	}
}

// Listen lazily starts the bot-wide middleware, then registers the
// pair. When middleware construction fails the error is logged and the
// pair is dropped; a failure inside the middleware's own Run does not
// unregister it.
func (l *BaseListener) Listen(matcher MatcherFunc, handler HandlerFunc) {
	if err := l.bot.ensureMiddleware(); err != nil {
		l.bot.Logger().WithError(err).Error("failed-to-start-middleware")
		return
	}
	l.matcher.AddMatcher(matcher, handler)
}

// Matcher returns the listener's registry.
func (l *BaseListener) Matcher() *MessageMatcher {
	return l.matcher
}

// Bot returns the owning bot.
func (l *BaseListener) Bot() *CommonBot {
	return l.bot
}

// BaseRouter holds the single route registration shared by all
// platform routers. Platform packages embed it and add the wiring to
// their webhook framework in Register.
type BaseRouter struct {
	bot     *CommonBot
	path    string
	handler RouteHandlerFunc
}

// NewBaseRouter creates the shared router state for the bot.
func NewBaseRouter(b *CommonBot) BaseRouter {
	return BaseRouter{bot: b}
}

// SetRoute stores the registration, replacing any previous one.
func (r *BaseRouter) SetRoute(path string, handler RouteHandlerFunc) {
	r.path = path
	r.handler = handler
}

// Path returns the registered route path.
func (r *BaseRouter) Path() string {
	return r.path
}

// Handler returns the registered route handler, or nil.
func (r *BaseRouter) Handler() RouteHandlerFunc {
	return r.handler
}

// Bot returns the owning bot.
func (r *BaseRouter) Bot() *CommonBot {
	return r.bot
}
