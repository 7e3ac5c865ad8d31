// Package slack implements the Slack adapter. It runs in Socket Mode
// when an app-level token is configured, or serves the Events API and
// interactive-component webhooks on the shared messaging app with
// signing-secret verification. Inbound messages are normalized to the
// bot-wide context shape; outbound messages go through the Web API.
package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/openchatops/chatbridge/internal/bot"
	"github.com/openchatops/chatbridge/pkg/limits"
)

// webAPI is the Web API surface the middleware needs. *slackapi.Client
// satisfies it; tests substitute a double.
type webAPI interface {
	AuthTest() (*slackapi.AuthTestResponse, error)
	GetUserInfo(user string) (*slackapi.User, error)
	GetConversationInfo(input *slackapi.GetConversationInfoInput) (*slackapi.Channel, error)
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
	OpenView(triggerID string, view slackapi.ModalViewRequest) (*slackapi.ViewResponse, error)
	UpdateView(view slackapi.ModalViewRequest, externalID string, hash string, viewID string) (*slackapi.ViewResponse, error)
}

// viewMetadata is the JSON blob carried in a modal's private_metadata.
// It threads the plugin routing information through the view round
// trip, since view submissions carry no channel or action context of
// their own.
type viewMetadata struct {
	PluginID  string `json:"pluginId"`
	ChannelID string `json:"channelId"`
	ThreadTS  string `json:"thread_ts"`
	Action    struct {
		ID    string `json:"id"`
		Token string `json:"token"`
	} `json:"action"`
}

// Middleware owns the Slack session and translates between Slack
// events and the normalized context.
type Middleware struct {
	bot    *bot.CommonBot
	log    *logrus.Logger
	option *bot.SlackOption

	mu        sync.RWMutex
	api       webAPI
	socket    *socketmode.Client
	botUserID string
	botName   string
	users     map[string]bot.User
	channels  map[string]bot.Channel
}

// NewMiddleware creates the middleware. A bot option configured for a
// different platform is a construction failure so startup fails loudly.
func NewMiddleware(b *bot.CommonBot) (*Middleware, error) {
	option := b.Option()
	if option.ChatTool.Type != bot.ChatToolSlack || option.ChatTool.Slack == nil {
		return nil, fmt.Errorf("wrong chat tool type %q set in bot option", option.ChatTool.Type)
	}

	return &Middleware{
		bot:      b,
		log:      b.Logger(),
		option:   option.ChatTool.Slack,
		users:    map[string]bot.User{},
		channels: map[string]bot.Channel{},
	}, nil
}

// Run starts the Socket Mode loop, or mounts the Events API and
// interactive webhooks on the messaging app when socket mode is off.
func (m *Middleware) Run() error {
	m.log.WithFields(logrus.Fields{
		"socket_mode": m.option.SocketMode,
		"token":       bot.MaskSecret(m.option.Token),
	}).Info("starting-slack-middleware")

	if m.getAPI() == nil {
		client := slackapi.New(m.option.Token, slackapi.OptionAppLevelToken(m.option.AppToken))
		m.mu.Lock()
		m.api = client
		if m.option.SocketMode {
			m.socket = socketmode.New(client)
		}
		m.mu.Unlock()
	}

	if m.option.SocketMode {
		m.mu.RLock()
		socket := m.socket
		m.mu.RUnlock()
		if socket == nil {
			return fmt.Errorf("socket mode requires a real slack client")
		}
		go m.socketLoop(socket)
		go func() {
			if err := socket.Run(); err != nil {
				m.log.WithError(err).Error("slack-socket-mode-stopped")
			}
		}()
		return nil
	}

	messagingApp := m.bot.Option().MessagingApp
	if messagingApp == nil {
		return fmt.Errorf("no messaging app configured for slack events api")
	}
	messagingApp.Handle("/slack/events", http.HandlerFunc(m.handleEvent))
	messagingApp.Handle("/slack/interactive", http.HandlerFunc(m.handleInteractive))
	return nil
}

// socketLoop consumes Socket Mode envelopes. Every envelope is
// acknowledged before normalization so Slack's 3-second deadline is
// never at risk.
func (m *Middleware) socketLoop(socket *socketmode.Client) {
	for envelope := range socket.Events {
		switch envelope.Type {
		case socketmode.EventTypeConnected:
			m.log.Info("slack-socket-mode-connected")
		case socketmode.EventTypeConnectionError:
			m.log.WithField("data", envelope.Data).Error("slack-socket-mode-connection-error")
		case socketmode.EventTypeEventsAPI:
			apiEvent, ok := envelope.Data.(slackevents.EventsAPIEvent)
			if !ok {
				continue
			}
			if envelope.Request != nil {
				socket.Ack(*envelope.Request)
			}
			m.processEventsAPI(&apiEvent)
		case socketmode.EventTypeInteractive:
			callback, ok := envelope.Data.(slackapi.InteractionCallback)
			if !ok {
				continue
			}
			if envelope.Request != nil {
				socket.Ack(*envelope.Request)
			}
			m.ProcessInteraction(&callback)
		}
	}
}

// handleEvent serves the Events API webhook in HTTP mode. The URL
// verification challenge is answered inline; callback events are
// acknowledged with 200 before normalization.
func (m *Middleware) handleEvent(w http.ResponseWriter, r *http.Request) {
	body, ok := m.verifiedBody(w, r)
	if !ok {
		return
	}

	event, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		m.log.WithError(err).Error("failed-to-parse-slack-event")
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	if event.Type == slackevents.URLVerification {
		var challenge slackevents.ChallengeResponse
		if err := json.Unmarshal(body, &challenge); err != nil {
			http.Error(w, "invalid challenge", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(challenge.Challenge))
		return
	}

	w.WriteHeader(http.StatusOK)
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
	m.processEventsAPI(&event)
}

// handleInteractive serves block actions and view submissions in HTTP
// mode. Slack posts them form-encoded under the payload key.
func (m *Middleware) handleInteractive(w http.ResponseWriter, r *http.Request) {
	body, ok := m.verifiedBody(w, r)
	if !ok {
		return
	}

	values, err := url.ParseQuery(string(body))
	if err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	var callback slackapi.InteractionCallback
	if err := json.Unmarshal([]byte(values.Get("payload")), &callback); err != nil {
		m.log.WithError(err).Error("failed-to-parse-interaction-payload")
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusOK)
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
	m.ProcessInteraction(&callback)
}

// verifiedBody reads the request body and checks the Slack signature.
func (m *Middleware) verifiedBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return nil, false
	}

	verifier, err := slackapi.NewSecretsVerifier(r.Header, m.option.SigningSecret)
	if err != nil {
		m.log.WithError(err).Warn("slack-request-missing-signature")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return nil, false
	}
	verifier.Write(body)
	if err := verifier.Ensure(); err != nil {
		m.log.WithError(err).Warn("slack-request-signature-mismatch")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return nil, false
	}
	return body, true
}

func (m *Middleware) processEventsAPI(event *slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	if message, ok := event.InnerEvent.Data.(*slackevents.MessageEvent); ok {
		m.ProcessMessage(message)
	}
}

// ProcessMessage normalizes one message event and dispatches it.
func (m *Middleware) ProcessMessage(event *slackevents.MessageEvent) {
	if err := m.ensureBotIdentity(); err != nil {
		m.log.WithError(err).Error("failed-to-resolve-slack-bot-identity")
		return
	}

	// Ignore messages from any bot, including this one
	if event.BotID != "" || event.User == "" || event.User == m.botIdentity().ID {
		return
	}

	botUserID, botName := m.botIdentity().ID, m.botIdentity().Name
	message := strings.ReplaceAll(event.Text, "<@"+botUserID+">", "@"+botName)

	channel := m.channelByID(event.Channel)
	if channel.ChattingType == bot.ChattingPersonal && !strings.Contains(message, "@"+botName) {
		message = fmt.Sprintf("@%s %s", botName, message)
	}

	user := m.userByID(event.User)

	threadTS := event.ThreadTimeStamp
	if threadTS == "" {
		threadTS = event.TimeStamp
	}

	data := &bot.ChatContextData{
		Payload: bot.Payload{
			Type: bot.PayloadTypeMessage,
			Data: message,
		},
		Context: bot.ChatContext{
			Chatting: bot.ChattingContext{
				Bot:     m.bot,
				Type:    channel.ChattingType,
				User:    user,
				Channel: bot.Name{ID: channel.ID, Name: channel.Name},
				Team:    bot.Name{},
				Tenant:  bot.Name{},
			},
			ChatTool: map[string]any{
				"channelId": event.Channel,
				"threadTs":  threadTS,
			},
		},
	}

	m.bot.Dispatch(context.Background(), data)
}

// ProcessInteraction normalizes one interactive callback and hands it
// to the registered route handler. The transport acknowledgment has
// already been written by the caller.
func (m *Middleware) ProcessInteraction(callback *slackapi.InteractionCallback) {
	if err := m.ensureBotIdentity(); err != nil {
		m.log.WithError(err).Error("failed-to-resolve-slack-bot-identity")
		return
	}

	event := &bot.Event{}
	channelID := ""

	switch callback.Type {
	case slackapi.InteractionTypeViewSubmission:
		var metadata viewMetadata
		if err := json.Unmarshal([]byte(callback.View.PrivateMetadata), &metadata); err != nil {
			m.log.WithError(err).Error("malformed-view-private-metadata")
			return
		}
		event.PluginID = metadata.PluginID
		event.Action.ID = metadata.Action.ID
		event.Action.Token = metadata.Action.Token
		event.Action.Type = bot.ActionDialogSubmit
		channelID = metadata.ChannelID

	case slackapi.InteractionTypeBlockActions:
		if len(callback.ActionCallback.BlockActions) == 0 {
			m.log.Error("block-actions-payload-without-actions")
			return
		}
		action := callback.ActionCallback.BlockActions[0]

		segments := strings.Split(action.ActionID, ":")
		if len(segments) >= 3 {
			event.PluginID = segments[0]
			event.Action.ID = segments[1]
			event.Action.Token = segments[2]
		} else {
			m.log.WithField("action_id", action.ActionID).Error("malformed-action-id")
		}

		switch string(action.Type) {
		case "static_select":
			event.Action.Type = bot.ActionDropdownSelect
		case "button":
			if strings.HasPrefix(event.Action.ID, "DIALOG_OPEN_") {
				event.Action.Type = bot.ActionDialogOpen
			} else {
				event.Action.Type = bot.ActionButtonClick
			}
		default:
			event.Action.Type = bot.ActionUnsupported
			m.log.WithField("type", action.Type).Error("unsupported-slack-interactive-component")
		}
		channelID = callback.Channel.ID

	default:
		m.log.WithField("type", callback.Type).Error("unsupported-slack-interaction-type")
		return
	}

	user := m.userByID(callback.User.ID)
	channel := m.channelByID(channelID)

	data := &bot.ChatContextData{
		Payload: bot.Payload{
			Type: bot.PayloadTypeEvent,
			Data: event,
		},
		Context: bot.ChatContext{
			Chatting: bot.ChattingContext{
				Bot:     m.bot,
				Type:    channel.ChattingType,
				User:    user,
				Channel: bot.Name{ID: channel.ID, Name: channel.Name},
				Team:    bot.Name{},
				Tenant:  bot.Name{},
			},
			ChatTool: map[string]any{
				"channelId": channelID,
				"triggerId": callback.TriggerID,
				"body":      callback,
			},
		},
	}

	router := m.bot.Router()
	if router == nil || router.Handler() == nil {
		m.log.Error("no-route-handler-registered")
		return
	}
	if _, err := router.Handler()(context.Background(), data); err != nil {
		m.log.WithError(err).Error("route-handler-failed")
	}
}

// Send delivers messages through the Web API. View messages bypass the
// channel logic; text and block messages post into the conversation
// carried in the context.
func (m *Middleware) Send(data *bot.ChatContextData, messages []bot.Message) error {
	api := m.getAPI()
	if api == nil {
		return fmt.Errorf("slack middleware is not running")
	}

	for _, msg := range messages {
		switch msg.Type {
		case bot.MessageTypeSlackView:
			view, ok := msg.Message.(*ViewMessage)
			if !ok {
				return fmt.Errorf("slack view message body must be *ViewMessage, got %T", msg.Message)
			}
			if _, err := api.OpenView(view.TriggerID, view.View); err != nil {
				return fmt.Errorf("failed to open view: %w", err)
			}

		case bot.MessageTypeSlackViewUpdate:
			update, ok := msg.Message.(*ViewUpdateMessage)
			if !ok {
				return fmt.Errorf("slack view update body must be *ViewUpdateMessage, got %T", msg.Message)
			}
			if _, err := api.UpdateView(update.View, update.ExternalID, update.Hash, update.ViewID); err != nil {
				return fmt.Errorf("failed to update view: %w", err)
			}

		case bot.MessageTypePlainText:
			text, ok := msg.Message.(string)
			if !ok {
				return fmt.Errorf("plain text message body must be string, got %T", msg.Message)
			}
			text = bot.Truncate(text, limits.ForSlack().MessageMaxLength)
			options := []slackapi.MsgOption{slackapi.MsgOptionText(text, false)}
			if threadTS := m.threadTS(data); threadTS != "" {
				options = append(options, slackapi.MsgOptionTS(threadTS))
			}
			if _, _, err := api.PostMessage(data.Context.Chatting.Channel.ID, options...); err != nil {
				return fmt.Errorf("failed to post message: %w", err)
			}

		case bot.MessageTypeSlackBlock:
			block, ok := msg.Message.(*BlockMessage)
			if !ok {
				return fmt.Errorf("slack block message body must be *BlockMessage, got %T", msg.Message)
			}
			channelID := block.Channel
			if channelID == "" {
				channelID = data.Context.Chatting.Channel.ID
			}
			text := block.Text
			if text == "" {
				text = "New message from the bot"
			}
			options := []slackapi.MsgOption{
				slackapi.MsgOptionBlocks(block.Blocks...),
				slackapi.MsgOptionText(text, false),
			}
			threadTS := block.ThreadTS
			if threadTS == "" {
				threadTS = m.threadTS(data)
			}
			if threadTS != "" {
				options = append(options, slackapi.MsgOptionTS(threadTS))
			}
			if _, _, err := api.PostMessage(channelID, options...); err != nil {
				return fmt.Errorf("failed to post block message: %w", err)
			}

		default:
			return fmt.Errorf("unsupported slack message type %q", msg.Type)
		}
	}
	return nil
}

func (m *Middleware) threadTS(data *bot.ChatContextData) string {
	if data.Context.ChatTool == nil {
		return ""
	}
	threadTS, _ := data.Context.ChatTool["threadTs"].(string)
	return threadTS
}

// ensureBotIdentity lazily resolves the bot's own user id and display
// name. The display name is the one users type after @, so the mention
// rewrite depends on it.
func (m *Middleware) ensureBotIdentity() error {
	m.mu.RLock()
	resolved := m.botUserID != ""
	m.mu.RUnlock()
	if resolved {
		return nil
	}

	auth, err := m.getAPI().AuthTest()
	if err != nil {
		return fmt.Errorf("auth test failed: %w", err)
	}

	name := m.option.BotUserName
	if info, err := m.getAPI().GetUserInfo(auth.UserID); err == nil && info.RealName != "" {
		name = info.RealName
	}

	m.mu.Lock()
	m.botUserID = auth.UserID
	m.botName = name
	m.mu.Unlock()
	return nil
}

func (m *Middleware) botIdentity() bot.User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return bot.User{ID: m.botUserID, Name: m.botName}
}

// userByID returns the cached user or resolves it over the Web API.
// Lookup failures degrade to an id-only user.
func (m *Middleware) userByID(id string) bot.User {
	m.mu.RLock()
	user, cached := m.users[id]
	m.mu.RUnlock()
	if cached {
		return user
	}

	info, err := m.getAPI().GetUserInfo(id)
	if err != nil {
		m.log.WithField("user_id", id).WithError(err).Error("failed-to-get-slack-user")
		return bot.User{ID: id}
	}

	user = bot.User{ID: info.ID, Name: info.RealName, Email: info.Profile.Email}
	m.mu.Lock()
	if _, cached := m.users[id]; !cached {
		m.users[id] = user
	}
	m.mu.Unlock()
	return user
}

// channelByID returns the cached channel or classifies it from
// conversation info. Lookup failures degrade to an unknown chatting
// type.
func (m *Middleware) channelByID(id string) bot.Channel {
	if id == "" {
		return bot.Channel{ChattingType: bot.ChattingUnknown}
	}

	m.mu.RLock()
	channel, cached := m.channels[id]
	m.mu.RUnlock()
	if cached {
		return channel
	}

	info, err := m.getAPI().GetConversationInfo(&slackapi.GetConversationInfoInput{ChannelID: id})
	if err != nil {
		m.log.WithField("channel_id", id).WithError(err).Error("failed-to-get-slack-conversation")
		return bot.Channel{ID: id, ChattingType: bot.ChattingUnknown}
	}

	chattingType := bot.ChattingUnknown
	switch {
	case info.IsChannel && !info.IsMpIM:
		chattingType = bot.ChattingPublicChannel
	case info.IsGroup:
		chattingType = bot.ChattingPrivateChannel
	case info.IsIM:
		chattingType = bot.ChattingPersonal
	case info.IsMpIM:
		chattingType = bot.ChattingGroup
	}

	channel = bot.Channel{ID: id, Name: info.Name, ChattingType: chattingType}
	m.mu.Lock()
	if _, cached := m.channels[id]; !cached {
		m.channels[id] = channel
	}
	m.mu.Unlock()
	return channel
}

func (m *Middleware) getAPI() webAPI {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.api
}

// setAPI is used by tests to install a preconfigured Web API double.
func (m *Middleware) setAPI(api webAPI) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.api = api
}
