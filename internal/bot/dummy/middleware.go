// Package dummy implements the adapter for the local dummy chat
// server used in development and end-to-end tests. The server emulates
// the Mattermost wire protocol, so the adapter reuses the Mattermost
// client with adjusted endpoints: authentication goes through /auth
// and the team id is fixed.
package dummy

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/openchatops/chatbridge/internal/bot"
	"github.com/openchatops/chatbridge/internal/bot/mattermost"
	"github.com/openchatops/chatbridge/pkg/limits"
)

// teamID is the single team the dummy chat server serves.
const teamID = "dummy-team-id"

// Middleware owns the dummy server connection and translates between
// posted events and the normalized context.
type Middleware struct {
	bot *bot.CommonBot
	log *logrus.Logger

	mu      sync.RWMutex
	client  *mattermost.Client
	botUser bot.User
	users   map[string]bot.User
}

// NewMiddleware creates the middleware. The dummy platform shares the
// Mattermost option block so bot configurations stay uniform.
func NewMiddleware(b *bot.CommonBot) (*Middleware, error) {
	option := b.Option()
	if option.ChatTool.Type != bot.ChatToolDummy || option.ChatTool.Mattermost == nil {
		return nil, fmt.Errorf("wrong chat tool type %q set in bot option", option.ChatTool.Type)
	}

	return &Middleware{
		bot:   b,
		log:   b.Logger(),
		users: map[string]bot.User{},
	}, nil
}

// Run builds the client and connects when an access token is
// configured.
func (m *Middleware) Run() error {
	option := m.bot.Option().ChatTool.Mattermost

	client := mattermost.NewClientWithConfig(m, option, m.log, mattermost.ClientConfig{
		AuthPath: "/auth",
		TeamID:   teamID,
	})
	m.mu.Lock()
	m.client = client
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{
		"host":  option.HostName,
		"token": bot.MaskSecret(option.BotAccessToken),
	}).Info("starting-dummy-middleware")

	if option.BotAccessToken == "" {
		return nil
	}
	return client.Connect()
}

// Send delivers messages to the dummy server, mirroring the Mattermost
// conversation and proactive paths.
func (m *Middleware) Send(data *bot.ChatContextData, messages []bot.Message) error {
	client := m.getClient()
	if client == nil {
		return fmt.Errorf("dummy middleware is not running")
	}

	for _, msg := range messages {
		body := msg.Message
		if text, ok := body.(string); ok {
			body = bot.Truncate(text, limits.ForMattermost().MessageMaxLength)
		}

		if data.Context.ChatTool != nil {
			rootID, _ := data.Context.ChatTool["rootId"].(string)
			if err := client.SendMessage(body, data.Context.Chatting.Channel.ID, rootID); err != nil {
				return err
			}
			continue
		}

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

// ProcessMessage normalizes one posted event and dispatches it. The
// dummy server sends the post as a plain object rather than the
// string-embedded form.
func (m *Middleware) ProcessMessage(event *mattermost.WSEvent) {
	post, err := mattermost.DecodePost(event.Data.Post)
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

func (m *Middleware) getClient() *mattermost.Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.client
}
