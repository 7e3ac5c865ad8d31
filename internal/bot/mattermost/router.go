package mattermost

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/openchatops/chatbridge/internal/bot"
)

// actionPayload is the interactive-component callback Mattermost posts
// to the registered webhook.
type actionPayload struct {
	Type        string `json:"type"`
	State       string `json:"state"`
	ChannelID   string `json:"channel_id"`
	ChannelName string `json:"channel_name"`
	UserID      string `json:"user_id"`
	TeamID      string `json:"team_id"`
	TeamDomain  string `json:"team_domain"`
	Context     struct {
		PluginID string `json:"pluginId"`
		RootID   string `json:"rootId"`
		Action   struct {
			ID    string `json:"id"`
			Type  string `json:"type"`
			Token string `json:"token"`
		} `json:"action"`
	} `json:"context"`
}

// Router wires Mattermost interactive-component callbacks to the
// registered route handler.
type Router struct {
	bot.BaseRouter
}

// NewRouter creates a router bound to the bot.
func NewRouter(b *bot.CommonBot) *Router {
	return &Router{BaseRouter: bot.NewBaseRouter(b)}
}

// Register stores the route and mounts the webhook on the messaging
// app.
func (r *Router) Register(path string, handler bot.RouteHandlerFunc) error {
	messagingApp := r.Bot().Option().MessagingApp
	if messagingApp == nil {
		return fmt.Errorf("no messaging app configured for interactive components")
	}

	r.SetRoute(path, handler)
	messagingApp.Handle(path, http.HandlerFunc(r.processAction))
	return nil
}

// processAction translates one interactive callback. Mattermost
// requires a synchronous acknowledgment: 204 for dialog submissions,
// an empty JSON object for everything else. The acknowledgment is
// written before normalization so slow handlers cannot time the
// interaction out.
func (r *Router) processAction(w http.ResponseWriter, req *http.Request) {
	log := r.Bot().Logger()

	var payload actionPayload
	var rawBody map[string]any
	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(&rawBody); err != nil {
		log.WithError(err).Error("failed-to-decode-action-request")
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	remarshaled, _ := json.Marshal(rawBody)
	if err := json.Unmarshal(remarshaled, &payload); err != nil {
		log.WithError(err).Error("failed-to-parse-action-payload")
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	event := &bot.Event{}
	if payload.Type == "dialog_submission" {
		// 204 acknowledges the dialog submission.
		w.WriteHeader(http.StatusNoContent)

		segments := strings.Split(payload.State, ":")
		if len(segments) >= 3 {
			event.PluginID = segments[0]
			event.Action.ID = segments[1]
			event.Action.Token = segments[2]
		} else {
			log.WithField("state", payload.State).Error("malformed-dialog-submission-state")
		}
		event.Action.Type = bot.ActionDialogSubmit
	} else {
		// An empty JSON object must go back, otherwise dialogs fail to
		// open. Buttons and selects accept it as well.
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte("{}"))

		event.PluginID = payload.Context.PluginID
		event.Action.ID = payload.Context.Action.ID
		event.Action.Token = payload.Context.Action.Token

		switch payload.Type {
		case "select":
			event.Action.Type = bot.ActionDropdownSelect
		case "button":
			if payload.Context.Action.Type != "" {
				event.Action.Type = bot.ActionType(payload.Context.Action.Type)
			} else if strings.HasPrefix(payload.Context.Action.ID, "DIALOG_OPEN_") {
				event.Action.Type = bot.ActionDialogOpen
			} else {
				event.Action.Type = bot.ActionButtonClick
			}
		default:
			event.Action.Type = bot.ActionUnsupported
			log.WithField("type", payload.Type).Error("unsupported-interactive-component")
		}
	}

	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}

	handler := r.Handler()
	if handler == nil {
		log.Error("no-route-handler-registered")
		return
	}

	middleware, ok := r.Bot().Middleware().(*Middleware)
	if !ok || middleware == nil {
		log.Error("mattermost-middleware-not-running")
		return
	}

	user := middleware.GetUserByID(payload.UserID)
	userName, userEmail := "", ""
	if user != nil {
		userName, userEmail = user.Name, user.Email
	}

	chattingType := bot.ChattingUnknown
	if channel := middleware.GetChannelByID(payload.ChannelID); channel != nil {
		chattingType = channel.ChattingType
	}

	data := &bot.ChatContextData{
		Payload: bot.Payload{
			Type: bot.PayloadTypeEvent,
			Data: event,
		},
		Context: bot.ChatContext{
			Chatting: bot.ChattingContext{
				Bot:  r.Bot(),
				Type: chattingType,
				User: bot.User{
					ID:    payload.UserID,
					Name:  userName,
					Email: userEmail,
				},
				Channel: bot.Name{ID: payload.ChannelID, Name: payload.ChannelName},
				Team:    bot.Name{ID: payload.TeamID, Name: payload.TeamDomain},
				Tenant:  bot.Name{},
			},
			ChatTool: map[string]any{
				"channelId": payload.ChannelID,
				"rootId":    payload.Context.RootID,
				"body":      rawBody,
			},
		},
	}

	if _, err := handler(context.Background(), data); err != nil {
		log.WithError(err).Error("route-handler-failed")
	}
}
