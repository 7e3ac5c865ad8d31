package mattermost

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/openchatops/chatbridge/internal/bot"
	"github.com/openchatops/chatbridge/pkg/limits"
)

// messageClient is the surface the middleware needs from the client.
// Tests substitute a double; NewClient satisfies it.
type messageClient interface {
	Connect() error
	Disconnect()
	SendMessage(message any, channelID string, rootID string) error
	OpenDialog(payload any) error
	GetChannelByID(id string) *bot.Channel
	GetChannelByName(name string) *bot.Channel
	GetChattingType(channelType string) bot.ChattingType
	GetUserByID(id string) *bot.User
}

// Middleware owns the Mattermost connection and translates between
// posted events and the normalized context.
type Middleware struct {
	bot *bot.CommonBot
	log *logrus.Logger

	mu       sync.RWMutex
	client   messageClient
	botUser  bot.User
	users    map[string]bot.User
	channels map[string]bot.Channel
}

// NewMiddleware creates the middleware. A bot option configured for a
// different platform is a construction failure so startup fails loudly.
func NewMiddleware(b *bot.CommonBot) (*Middleware, error) {
	option := b.Option()
	if option.ChatTool.Type != bot.ChatToolMattermost || option.ChatTool.Mattermost == nil {
		return nil, fmt.Errorf("wrong chat tool type %q set in bot option", option.ChatTool.Type)
	}

	return &Middleware{
		bot:      b,
		log:      b.Logger(),
		users:    map[string]bot.User{},
		channels: map[string]bot.Channel{},
	}, nil
}

// Run builds the client and connects when an access token is
// configured.
func (m *Middleware) Run() error {
	option := m.bot.Option().ChatTool.Mattermost

	client := NewClient(m, option, m.log)
	m.mu.Lock()
	m.client = client
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{
		"host":  option.HostName,
		"token": bot.MaskSecret(option.BotAccessToken),
	}).Info("starting-mattermost-middleware")

	if option.BotAccessToken == "" {
		return nil
	}
	return client.Connect()
}

// Send delivers messages. Replies within a conversation reuse the
// channel and thread root carried in the context; proactive messages
// resolve the target channel first and abort when it cannot be found.
func (m *Middleware) Send(data *bot.ChatContextData, messages []bot.Message) error {
	client := m.getClient()
	if client == nil {
		return fmt.Errorf("mattermost middleware is not running")
	}

	for _, msg := range messages {
		if msg.Type == bot.MessageTypeMattermostDialogOpening {
			return client.OpenDialog(msg.Message)
		}

		body := msg.Message
		if text, ok := body.(string); ok {
			body = bot.Truncate(text, limits.ForMattermost().MessageMaxLength)
		}

		if data.Context.ChatTool != nil {
			// Conversation message
			rootID, _ := data.Context.ChatTool["rootId"].(string)
			if err := client.SendMessage(body, data.Context.Chatting.Channel.ID, rootID); err != nil {
				return err
			}
			continue
		}

		// Proactive message
		channelID := data.Context.Chatting.Channel.ID
		if channelID == "" && data.Context.Chatting.Channel.Name != "" {
			channel := client.GetChannelByName(data.Context.Chatting.Channel.Name)
			if channel == nil {
				m.log.WithField("channel_name", data.Context.Chatting.Channel.Name).
					Error("target-channel-does-not-exist")
				return fmt.Errorf("channel %q does not exist", data.Context.Chatting.Channel.Name)
			}
			channelID = channel.ID
		}

		if err := client.SendMessage(body, channelID, ""); err != nil {
			return err
		}
	}
	return nil
}

// ProcessMessage normalizes one posted event and dispatches it.
// Failures are logged and the event is dropped; nothing propagates
// back to the transport.
func (m *Middleware) ProcessMessage(event *WSEvent) {
	post, err := DecodePost(event.Data.Post)
	if err != nil {
		m.log.WithError(err).Error("failed-to-decode-posted-event")
		return
	}

	// Ignore messages from the bot itself
	if post.UserID == m.BotUser().ID {
		return
	}

	user := m.GetUserByID(post.UserID)

	chattingType := bot.ChattingUnknown
	if event.Data.ChannelType != "" {
		chattingType = m.getClient().GetChattingType(event.Data.ChannelType)
	} else {
		m.log.Error("posted-event-missing-channel-type")
	}

	// In 1:1 chat, address the bot explicitly so matching is uniform
	// across chatting types.
	receivedMessage := post.Message
	if chattingType == bot.ChattingPersonal && !strings.HasPrefix(strings.TrimSpace(receivedMessage), "@") {
		receivedMessage = fmt.Sprintf("@%s %s", m.BotUser().Name, receivedMessage)
	}

	userName := strings.TrimPrefix(strings.TrimSpace(event.Data.SenderName), "@")
	userEmail := ""
	if user != nil {
		userName = user.Name
		userEmail = user.Email
	}

	data := &bot.ChatContextData{
		Payload: bot.Payload{
			Type: bot.PayloadTypeMessage,
			Data: receivedMessage,
		},
		Context: bot.ChatContext{
			Chatting: bot.ChattingContext{
				Bot:  m.bot,
				Type: chattingType,
				User: bot.User{
					ID:    post.UserID,
					Name:  userName,
					Email: userEmail,
				},
				Channel: bot.Name{ID: post.ChannelID, Name: event.Data.ChannelName},
				Team:    bot.Name{ID: event.Data.TeamID},
				Tenant:  bot.Name{},
			},
			ChatTool: map[string]any{
				"rootId": post.RootID,
			},
		},
	}

	m.bot.Dispatch(context.Background(), data)
}

// UpdateBotUser records the bot's own identity after REST login.
func (m *Middleware) UpdateBotUser(user bot.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.botUser = user
}

// BotUser returns the bot's own identity.
func (m *Middleware) BotUser() bot.User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.botUser
}

// AddUser caches a user. Cached entries are never updated.
func (m *Middleware) AddUser(id string, user bot.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, cached := m.users[id]; cached {
		return
	}
	m.users[id] = user
}

// GetUserByID returns the cached user or falls back to a REST lookup.
func (m *Middleware) GetUserByID(id string) *bot.User {
	m.mu.RLock()
	user, cached := m.users[id]
	m.mu.RUnlock()
	if cached {
		return &user
	}
	return m.getClient().GetUserByID(id)
}

// GetChannelByID resolves a channel over REST.
func (m *Middleware) GetChannelByID(id string) *bot.Channel {
	return m.getClient().GetChannelByID(id)
}

func (m *Middleware) getClient() messageClient {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.client
}

// setClient is used by the dummy platform and by tests to install a
// preconfigured client.
func (m *Middleware) setClient(client messageClient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.client = client
}
