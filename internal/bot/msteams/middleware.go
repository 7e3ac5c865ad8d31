// Package msteams implements the Microsoft Teams adapter on top of
// the Bot Framework connector. All activities arrive on a single
// webhook mounted on the shared messaging app; message activities are
// acknowledged and dispatched through the listeners, invoke activities
// (adaptive card actions, task modules) run the registered route
// handler synchronously and return its result as the response body.
package msteams

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"

	"github.com/infracloudio/msbotbuilder-go/core"
	coreactivity "github.com/infracloudio/msbotbuilder-go/core/activity"
	"github.com/infracloudio/msbotbuilder-go/schema"
	"github.com/sirupsen/logrus"

	"github.com/openchatops/chatbridge/internal/bot"
	"github.com/openchatops/chatbridge/pkg/limits"
)

// WebhookPath is where the Bot Framework connector posts activities,
// relative to the messaging app base path.
const WebhookPath = "/msteams/messages"

// adaptiveCardContentType is the attachment content type Teams
// requires for adaptive card bodies.
const adaptiveCardContentType = "application/vnd.microsoft.card.adaptive"

var mentionTag = regexp.MustCompile(`<at>(.*?)</at>`)

// botAdapter is the connector surface the middleware needs.
// core.Adapter satisfies it; tests substitute a double.
type botAdapter interface {
	ParseRequest(ctx context.Context, req *http.Request) (schema.Activity, error)
	ProactiveMessage(ctx context.Context, ref schema.ConversationReference, handler coreactivity.Handler) error
}

// invokePayload is the action context carried in an adaptive card
// submit or task module value.
type invokePayload struct {
	PluginID string `json:"pluginId"`
	Action   struct {
		ID    string `json:"id"`
		Type  string `json:"type"`
		Token string `json:"token"`
	} `json:"action"`
}

// teamsChannelData is the Teams-specific envelope carried alongside an
// activity. It is the only place tenant, team and channel identity
// show up.
type teamsChannelData struct {
	Channel struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"channel"`
	Team struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"team"`
	Tenant struct {
		ID string `json:"id"`
	} `json:"tenant"`
}

// Middleware owns the Bot Framework session and translates between
// Teams activities and the normalized context.
type Middleware struct {
	bot    *bot.CommonBot
	log    *logrus.Logger
	option *bot.MsteamsOption

	mu            sync.RWMutex
	adapter       botAdapter
	conversations map[string]schema.ConversationReference
}

// NewMiddleware creates the middleware. A bot option configured for a
// different platform is a construction failure so startup fails loudly.
func NewMiddleware(b *bot.CommonBot) (*Middleware, error) {
	option := b.Option()
	if option.ChatTool.Type != bot.ChatToolMsteams || option.ChatTool.Msteams == nil {
		return nil, fmt.Errorf("wrong chat tool type %q set in bot option", option.ChatTool.Type)
	}

	return &Middleware{
		bot:           b,
		log:           b.Logger(),
		option:        option.ChatTool.Msteams,
		conversations: map[string]schema.ConversationReference{},
	}, nil
}

// Run creates the connector adapter and mounts the activity webhook on
// the messaging app.
func (m *Middleware) Run() error {
	m.log.WithFields(logrus.Fields{
		"bot_id":   m.option.BotID,
		"password": bot.MaskSecret(m.option.BotPassword),
	}).Info("starting-msteams-middleware")

	if m.getAdapter() == nil {
		adapter, err := core.NewBotAdapter(core.AdapterSetting{
			AppID:       m.option.BotID,
			AppPassword: m.option.BotPassword,
		})
		if err != nil {
			return fmt.Errorf("failed to create bot framework adapter: %w", err)
		}
		m.setAdapter(adapter)
	}

	messagingApp := m.bot.Option().MessagingApp
	if messagingApp == nil {
		return fmt.Errorf("no messaging app configured for msteams webhook")
	}
	messagingApp.Handle(WebhookPath, http.HandlerFunc(m.handleActivity))
	return nil
}

// handleActivity serves the Bot Framework webhook. ParseRequest also
// authenticates the connector's JWT, so an error here means the
// request is rejected outright.
func (m *Middleware) handleActivity(w http.ResponseWriter, r *http.Request) {
	activity, err := m.getAdapter().ParseRequest(r.Context(), r)
	if err != nil {
		m.log.WithError(err).Warn("failed-to-parse-bot-framework-request")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	switch activity.Type {
	case "message":
		w.WriteHeader(http.StatusOK)
		if flusher, ok := w.(http.Flusher); ok {
			flusher.Flush()
		}
		m.ProcessMessage(&activity)

	case "invoke":
		m.processInvoke(w, &activity)

	default:
		// Conversation updates and the like need nothing from us.
		w.WriteHeader(http.StatusOK)
	}
}

// ProcessMessage normalizes one message activity and dispatches it.
// The conversation reference is remembered so replies and proactive
// messages can be delivered later.
func (m *Middleware) ProcessMessage(activity *schema.Activity) {
	reference := coreactivity.GetCoversationReference(*activity)
	m.mu.Lock()
	m.conversations[activity.Conversation.ID] = reference
	m.mu.Unlock()

	channelData := m.decodeChannelData(activity)
	chattingType := chattingTypeOf(activity.Conversation.ConversationType)

	botName := m.option.BotUserName
	message := strings.TrimSpace(mentionTag.ReplaceAllString(activity.Text, "@$1"))
	if chattingType == bot.ChattingPersonal && !strings.Contains(message, "@"+botName) {
		message = fmt.Sprintf("@%s %s", botName, message)
	}

	channel := bot.Name{ID: activity.Conversation.ID, Name: activity.Conversation.Name}
	if channelData.Channel.ID != "" {
		channel = bot.Name{ID: channelData.Channel.ID, Name: channelData.Channel.Name}
	}

	data := &bot.ChatContextData{
		Payload: bot.Payload{
			Type: bot.PayloadTypeMessage,
			Data: message,
		},
		Context: bot.ChatContext{
			Chatting: bot.ChattingContext{
				Bot:     m.bot,
				Type:    chattingType,
				User:    bot.User{ID: activity.From.ID, Name: activity.From.Name},
				Channel: channel,
				Team:    bot.Name{ID: channelData.Team.ID, Name: channelData.Team.Name},
				Tenant:  bot.Name{ID: channelData.Tenant.ID},
			},
			ChatTool: map[string]any{
				"conversationId": activity.Conversation.ID,
				"serviceUrl":     activity.ServiceURL,
			},
		},
	}

	m.bot.Dispatch(context.Background(), data)
}

// processInvoke runs the registered route handler and writes its
// result as the invoke response body. Teams expects the body
// synchronously, so unlike messages there is no early acknowledgment.
func (m *Middleware) processInvoke(w http.ResponseWriter, activity *schema.Activity) {
	router := m.bot.Router()
	if router == nil || router.Handler() == nil {
		m.log.Error("no-route-handler-registered")
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	rawValue, err := json.Marshal(activity.Value)
	if err != nil {
		m.log.WithError(err).Error("malformed-invoke-value")
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	var payload invokePayload
	if err := json.Unmarshal(rawValue, &payload); err != nil {
		m.log.WithError(err).Error("malformed-invoke-value")
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	event := &bot.Event{PluginID: payload.PluginID}
	event.Action.ID = payload.Action.ID
	event.Action.Token = payload.Action.Token
	switch bot.ActionType(payload.Action.Type) {
	case bot.ActionDialogOpen, bot.ActionDialogSubmit, bot.ActionButtonClick, bot.ActionDropdownSelect:
		event.Action.Type = bot.ActionType(payload.Action.Type)
	default:
		event.Action.Type = bot.ActionUnsupported
		m.log.WithField("type", payload.Action.Type).Error("unsupported-msteams-action-type")
	}

	channelData := m.decodeChannelData(activity)
	channel := bot.Name{ID: activity.Conversation.ID, Name: activity.Conversation.Name}
	if channelData.Channel.ID != "" {
		channel = bot.Name{ID: channelData.Channel.ID, Name: channelData.Channel.Name}
	}

	data := &bot.ChatContextData{
		Payload: bot.Payload{
			Type: bot.PayloadTypeEvent,
			Data: event,
		},
		Context: bot.ChatContext{
			Chatting: bot.ChattingContext{
				Bot:     m.bot,
				Type:    chattingTypeOf(activity.Conversation.ConversationType),
				User:    bot.User{ID: activity.From.ID, Name: activity.From.Name},
				Channel: channel,
				Team:    bot.Name{ID: channelData.Team.ID, Name: channelData.Team.Name},
				Tenant:  bot.Name{ID: channelData.Tenant.ID},
			},
			ChatTool: map[string]any{
				"conversationId": activity.Conversation.ID,
				"serviceUrl":     activity.ServiceURL,
				"invokeName":     activity.Name,
				"body":           activity.Value,
			},
		},
	}

	result, err := router.Handler()(context.Background(), data)
	if err != nil {
		m.log.WithError(err).Error("route-handler-failed")
		http.Error(w, "handler failed", http.StatusInternalServerError)
		return
	}
	if result == nil {
		result = map[string]any{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(result); err != nil {
		m.log.WithError(err).Error("failed-to-write-invoke-response")
	}
}

// Send delivers messages into the conversation carried in the context.
// Teams has no always-open channel back to the bot, so every send is a
// proactive message against the stored conversation reference.
func (m *Middleware) Send(data *bot.ChatContextData, messages []bot.Message) error {
	adapter := m.getAdapter()
	if adapter == nil {
		return fmt.Errorf("msteams middleware is not running")
	}

	conversationID, _ := data.Context.ChatTool["conversationId"].(string)
	if conversationID == "" {
		conversationID = data.Context.Chatting.Channel.ID
	}
	m.mu.RLock()
	reference, ok := m.conversations[conversationID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no conversation reference for %q", conversationID)
	}

	for _, msg := range messages {
		var option coreactivity.MsgOption
		switch msg.Type {
		case bot.MessageTypePlainText:
			text, ok := msg.Message.(string)
			if !ok {
				return fmt.Errorf("plain text message body must be string, got %T", msg.Message)
			}
			option = coreactivity.MsgOptionText(bot.Truncate(text, limits.ForMsteams().MessageMaxLength))

		case bot.MessageTypeMsteamsAdaptiveCard:
			option = coreactivity.MsgOptionAttachments([]schema.Attachment{{
				ContentType: adaptiveCardContentType,
				Content:     msg.Message,
			}})

		default:
			return fmt.Errorf("unsupported msteams message type %q", msg.Type)
		}

		handler := coreactivity.HandlerFuncs{
			OnMessageFunc: func(turn *coreactivity.TurnContext) (schema.Activity, error) {
				return turn.SendActivity(option)
			},
		}
		if err := adapter.ProactiveMessage(context.Background(), reference, handler); err != nil {
			return fmt.Errorf("failed to send proactive message: %w", err)
		}
	}
	return nil
}

// rememberConversation stores a reference for later proactive sends.
// Exposed for tests and for applications that bootstrap conversations
// out of band.
func (m *Middleware) rememberConversation(id string, reference schema.ConversationReference) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversations[id] = reference
}

func (m *Middleware) decodeChannelData(activity *schema.Activity) teamsChannelData {
	var channelData teamsChannelData
	raw, err := json.Marshal(activity.ChannelData)
	if err != nil {
		return channelData
	}
	if err := json.Unmarshal(raw, &channelData); err != nil {
		m.log.WithError(err).Warn("malformed-teams-channel-data")
	}
	return channelData
}

func chattingTypeOf(conversationType string) bot.ChattingType {
	switch conversationType {
	case "personal":
		return bot.ChattingPersonal
	case "groupChat":
		return bot.ChattingGroup
	case "channel":
		return bot.ChattingPublicChannel
	default:
		return bot.ChattingUnknown
	}
}

func (m *Middleware) getAdapter() botAdapter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.adapter
}

func (m *Middleware) setAdapter(adapter botAdapter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adapter = adapter
}
