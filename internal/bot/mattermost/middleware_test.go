package mattermost

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openchatops/chatbridge/internal/bot"
)

type sentMessage struct {
	message   any
	channelID string
	rootID    string
}

// stubClient is a messageClient double with canned lookups.
type stubClient struct {
	mu             sync.Mutex
	sent           []sentMessage
	dialogs        []any
	users          map[string]*bot.User
	channels       map[string]*bot.Channel
	channelsByName map[string]*bot.Channel
	userLookups    int
}

func newStubClient() *stubClient {
	return &stubClient{
		users:          map[string]*bot.User{},
		channels:       map[string]*bot.Channel{},
		channelsByName: map[string]*bot.Channel{},
	}
}

func (s *stubClient) Connect() error { return nil }
func (s *stubClient) Disconnect()    {}

func (s *stubClient) SendMessage(message any, channelID string, rootID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentMessage{message: message, channelID: channelID, rootID: rootID})
	return nil
}

func (s *stubClient) OpenDialog(payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dialogs = append(s.dialogs, payload)
	return nil
}

func (s *stubClient) GetChannelByID(id string) *bot.Channel {
	return s.channels[id]
}

func (s *stubClient) GetChannelByName(name string) *bot.Channel {
	return s.channelsByName[name]
}

func (s *stubClient) GetChattingType(channelType string) bot.ChattingType {
	switch channelType {
	case "D":
		return bot.ChattingPersonal
	case "O":
		return bot.ChattingPublicChannel
	case "P":
		return bot.ChattingPrivateChannel
	case "G":
		return bot.ChattingGroup
	default:
		return bot.ChattingUnknown
	}
}

func (s *stubClient) GetUserByID(id string) *bot.User {
	s.mu.Lock()
	s.userLookups++
	s.mu.Unlock()
	return s.users[id]
}

func (s *stubClient) sentMessages() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	messages := make([]sentMessage, len(s.sent))
	copy(messages, s.sent)
	return messages
}

func testOption() *bot.Option {
	return &bot.Option{
		ChatTool: bot.ChatToolOption{
			Type: bot.ChatToolMattermost,
			Mattermost: &bot.MattermostOption{
				Protocol:    "https",
				HostName:    "chat.example.com",
				Port:        443,
				BasePath:    "/api/v4",
				TeamURL:     "core",
				BotUserName: "zbot",
			},
		},
	}
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

// newTestMiddleware starts a bot with one recording listener and swaps
// the middleware's client for a stub.
func newTestMiddleware(t *testing.T) (*Middleware, *stubClient, func() []*bot.ChatContextData) {
	t.Helper()
	b := bot.NewCommonBot(testOption(), quietLogger())

	var mu sync.Mutex
	var dispatched []*bot.ChatContextData
	b.Listen(
		func(message string) bool { return true },
		func(ctx context.Context, data *bot.ChatContextData) error {
			mu.Lock()
			defer mu.Unlock()
			dispatched = append(dispatched, data)
			return nil
		},
	)

	m, ok := b.Middleware().(*Middleware)
	require.True(t, ok)

	// Run installs the real client asynchronously; wait it out before
	// installing the stub.
	require.Eventually(t, func() bool {
		return m.getClient() != nil
	}, time.Second, 5*time.Millisecond)

	stub := newStubClient()
	m.setClient(stub)
	m.UpdateBotUser(bot.User{ID: "bot-id", Name: "zbot"})

	return m, stub, func() []*bot.ChatContextData {
		mu.Lock()
		defer mu.Unlock()
		out := make([]*bot.ChatContextData, len(dispatched))
		copy(out, dispatched)
		return out
	}
}

func postedEvent(t *testing.T, channelType string, post Post) *WSEvent {
	t.Helper()
	raw, err := json.Marshal(post)
	require.NoError(t, err)
	return &WSEvent{
		Event: "posted",
		Data: WSEventData{
			ChannelType: channelType,
			ChannelName: "town-square",
			SenderName:  "@nancy",
			TeamID:      "team-1",
			Post:        raw,
		},
	}
}

func TestNewMiddleware_RejectsWrongChatTool(t *testing.T) {
	option := testOption()
	option.ChatTool.Type = bot.ChatToolSlack
	b := bot.NewCommonBot(option, quietLogger())

	_, err := NewMiddleware(b)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wrong chat tool type")
}

func TestRun_WithoutTokenSkipsConnect(t *testing.T) {
	b := bot.NewCommonBot(testOption(), quietLogger())
	m, err := NewMiddleware(b)
	require.NoError(t, err)

	require.NoError(t, m.Run())
	assert.NotNil(t, m.getClient())
}

func TestProcessMessage_IgnoresOwnPosts(t *testing.T) {
	m, _, dispatched := newTestMiddleware(t)

	m.ProcessMessage(postedEvent(t, "O", Post{UserID: "bot-id", ChannelID: "c1", Message: "echo"}))

	assert.Empty(t, dispatched())
}

func TestProcessMessage_DispatchesNormalizedContext(t *testing.T) {
	m, stub, dispatched := newTestMiddleware(t)
	stub.users["u1"] = &bot.User{ID: "u1", Name: "nancy", Email: "nancy@example.com"}

	m.ProcessMessage(postedEvent(t, "O", Post{
		UserID:    "u1",
		ChannelID: "c1",
		RootID:    "r1",
		Message:   "@zbot status",
	}))

	require.Len(t, dispatched(), 1)
	data := dispatched()[0]
	assert.Equal(t, bot.PayloadTypeMessage, data.Payload.Type)
	assert.Equal(t, "@zbot status", data.Payload.Data)
	assert.Equal(t, bot.ChattingPublicChannel, data.Context.Chatting.Type)
	assert.Equal(t, bot.User{ID: "u1", Name: "nancy", Email: "nancy@example.com"}, data.Context.Chatting.User)
	assert.Equal(t, bot.Name{ID: "c1", Name: "town-square"}, data.Context.Chatting.Channel)
	assert.Equal(t, "team-1", data.Context.Chatting.Team.ID)
	assert.Equal(t, "r1", data.Context.ChatTool["rootId"])
}

func TestProcessMessage_PrependsBotMentionInDirectMessage(t *testing.T) {
	m, _, dispatched := newTestMiddleware(t)

	m.ProcessMessage(postedEvent(t, "D", Post{UserID: "u1", ChannelID: "d1", Message: "help"}))

	require.Len(t, dispatched(), 1)
	assert.Equal(t, "@zbot help", dispatched()[0].Payload.Data)
}

func TestProcessMessage_DirectMessageAlreadyMentioned(t *testing.T) {
	m, _, dispatched := newTestMiddleware(t)

	m.ProcessMessage(postedEvent(t, "D", Post{UserID: "u1", ChannelID: "d1", Message: "@zbot help"}))

	require.Len(t, dispatched(), 1)
	assert.Equal(t, "@zbot help", dispatched()[0].Payload.Data)
}

func TestProcessMessage_SenderNameFallback(t *testing.T) {
	m, _, dispatched := newTestMiddleware(t)

	// The stub has no users, so the lookup fails and the event's
	// sender_name carries the display name.
	m.ProcessMessage(postedEvent(t, "O", Post{UserID: "u9", ChannelID: "c1", Message: "@zbot hi"}))

	require.Len(t, dispatched(), 1)
	user := dispatched()[0].Context.Chatting.User
	assert.Equal(t, "u9", user.ID)
	assert.Equal(t, "nancy", user.Name)
	assert.Empty(t, user.Email)
}

func TestProcessMessage_MalformedPostIsDropped(t *testing.T) {
	m, _, dispatched := newTestMiddleware(t)

	m.ProcessMessage(&WSEvent{Event: "posted", Data: WSEventData{Post: json.RawMessage(`"{`)}})

	assert.Empty(t, dispatched())
}

func TestSend_ConversationUsesThreadRoot(t *testing.T) {
	m, stub, _ := newTestMiddleware(t)

	data := &bot.ChatContextData{
		Context: bot.ChatContext{
			Chatting: bot.ChattingContext{Channel: bot.Name{ID: "c1"}},
			ChatTool: map[string]any{"rootId": "r1"},
		},
	}

	require.NoError(t, m.Send(data, []bot.Message{
		{Type: bot.MessageTypePlainText, Message: "done"},
	}))

	sent := stub.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, sentMessage{message: "done", channelID: "c1", rootID: "r1"}, sent[0])
}

func TestSend_ProactiveResolvesChannelByName(t *testing.T) {
	m, stub, _ := newTestMiddleware(t)
	stub.channelsByName["ops"] = &bot.Channel{ID: "chan-ops", Name: "ops"}

	data := &bot.ChatContextData{
		Context: bot.ChatContext{
			Chatting: bot.ChattingContext{Channel: bot.Name{Name: "ops"}},
		},
	}

	require.NoError(t, m.Send(data, []bot.Message{
		{Type: bot.MessageTypePlainText, Message: "deploy finished"},
	}))

	sent := stub.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "chan-ops", sent[0].channelID)
	assert.Empty(t, sent[0].rootID)
}

func TestSend_ProactiveUnknownChannelAborts(t *testing.T) {
	m, stub, _ := newTestMiddleware(t)

	data := &bot.ChatContextData{
		Context: bot.ChatContext{
			Chatting: bot.ChattingContext{Channel: bot.Name{Name: "ghost-town"}},
		},
	}

	err := m.Send(data, []bot.Message{
		{Type: bot.MessageTypePlainText, Message: "anyone here?"},
	})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "does not exist"))
	assert.Empty(t, stub.sentMessages())
}

func TestSend_DialogOpeningUsesDialogEndpoint(t *testing.T) {
	m, stub, _ := newTestMiddleware(t)

	dialog := map[string]any{"trigger_id": "t1"}
	require.NoError(t, m.Send(&bot.ChatContextData{}, []bot.Message{
		{Type: bot.MessageTypeMattermostDialogOpening, Message: dialog},
	}))

	assert.Empty(t, stub.sentMessages())
	require.Len(t, stub.dialogs, 1)
	assert.Equal(t, dialog, stub.dialogs[0])
}

func TestSend_WithoutClientFails(t *testing.T) {
	b := bot.NewCommonBot(testOption(), quietLogger())
	m, err := NewMiddleware(b)
	require.NoError(t, err)

	err = m.Send(&bot.ChatContextData{}, []bot.Message{{Type: bot.MessageTypePlainText, Message: "hi"}})
	assert.Error(t, err)
}

func TestAddUser_DoesNotOverwriteCachedEntry(t *testing.T) {
	m, stub, _ := newTestMiddleware(t)

	m.AddUser("u1", bot.User{ID: "u1", Name: "nancy"})
	m.AddUser("u1", bot.User{ID: "u1", Name: "impostor"})

	user := m.GetUserByID("u1")
	require.NotNil(t, user)
	assert.Equal(t, "nancy", user.Name)
	assert.Zero(t, stub.userLookups)
}

func TestGetUserByID_FallsBackToClient(t *testing.T) {
	m, stub, _ := newTestMiddleware(t)
	stub.users["u2"] = &bot.User{ID: "u2", Name: "omar"}

	user := m.GetUserByID("u2")
	require.NotNil(t, user)
	assert.Equal(t, "omar", user.Name)
	assert.Equal(t, 1, stub.userLookups)
}
