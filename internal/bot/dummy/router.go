package dummy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/openchatops/chatbridge/internal/bot"
)

// Router wires interactive callbacks from the dummy chat server to the
// registered route handler. The dummy server reuses the Mattermost
// callback shape but has no real interactive components, so no action
// classification happens here.
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

// processAction acknowledges the callback and hands the normalized
// context to the route handler.
func (r *Router) processAction(w http.ResponseWriter, req *http.Request) {
	log := r.Bot().Logger()

	var rawBody map[string]any
	if err := json.NewDecoder(req.Body).Decode(&rawBody); err != nil {
		log.WithError(err).Error("failed-to-decode-action-request")
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	if actionType, _ := rawBody["type"].(string); actionType == "dialog_submission" {
		w.WriteHeader(http.StatusNoContent)
	} else {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte("{}"))
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
		log.Error("dummy-middleware-not-running")
		return
	}

	channelID, _ := rawBody["channel_id"].(string)
	channelName, _ := rawBody["channel_name"].(string)
	userID, _ := rawBody["user_id"].(string)

	rootID := ""
	if callbackContext, ok := rawBody["context"].(map[string]any); ok {
		rootID, _ = callbackContext["rootId"].(string)
	}

	user := middleware.GetUserByID(userID)
	userName, userEmail := "", ""
	if user != nil {
		userName, userEmail = user.Name, user.Email
	}

	chattingType := bot.ChattingUnknown
	if channel := middleware.GetChannelByID(channelID); channel != nil {
		chattingType = channel.ChattingType
	}

	data := &bot.ChatContextData{
		Payload: bot.Payload{
			Type: bot.PayloadTypeEvent,
			Data: &bot.Event{},
		},
		Context: bot.ChatContext{
			Chatting: bot.ChattingContext{
				Bot:     r.Bot(),
				Type:    chattingType,
				User:    bot.User{ID: userID, Name: userName, Email: userEmail},
				Channel: bot.Name{ID: channelID, Name: channelName},
				Tenant:  bot.Name{},
			},
			ChatTool: map[string]any{
				"channelId": channelID,
				"rootId":    rootID,
				"body":      rawBody,
			},
		},
	}

	if _, err := handler(context.Background(), data); err != nil {
		log.WithError(err).Error("route-handler-failed")
	}
}
