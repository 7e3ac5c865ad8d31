// Package bot implements the platform-agnostic core of the chat bridge:
// normalized context types, the message matcher registry, the listener,
// router and middleware contracts, and the CommonBot facade that ties a
// configured chat platform to the application's handlers.
//
// Platform adapters live in subpackages (mattermost, slack, msteams,
// dummy) and register themselves through RegisterPlugin in an init
// function, the same way database/sql drivers do. Importing a platform
// subpackage for side effects makes that platform available to
// NewCommonBot.
package bot

import (
	"context"
	"net/http"
)

// ChatToolType identifies a supported chat platform.
type ChatToolType string

const (
	ChatToolMattermost ChatToolType = "mattermost"
	ChatToolSlack      ChatToolType = "slack"
	ChatToolMsteams    ChatToolType = "msteams"
	ChatToolDummy      ChatToolType = "dummy"
)

// ChattingType classifies the conversation an inbound message belongs to.
type ChattingType string

const (
	ChattingPersonal       ChattingType = "personal"
	ChattingPublicChannel  ChattingType = "publicChannel"
	ChattingPrivateChannel ChattingType = "privateChannel"
	ChattingGroup          ChattingType = "group"
	ChattingUnknown        ChattingType = "unknown"
)

// MessageType selects the rendering branch a platform middleware uses
// for an outbound message.
type MessageType string

const (
	MessageTypePlainText MessageType = "plainText"

	MessageTypeMattermostAttachment    MessageType = "mattermost.attachment"
	MessageTypeMattermostDialogOpening MessageType = "mattermost.dialog.opening"

	MessageTypeSlackBlock      MessageType = "slack.block"
	MessageTypeSlackView       MessageType = "slack.view"
	MessageTypeSlackViewUpdate MessageType = "slack.viewUpdate"

	MessageTypeMsteamsAdaptiveCard MessageType = "msteams.adaptiveCard"
)

// PayloadType tags the variant carried in Payload.Data.
type PayloadType string

const (
	PayloadTypeMessage PayloadType = "message"
	PayloadTypeEvent   PayloadType = "event"
)

// ActionType classifies an interactive-component event.
type ActionType string

const (
	ActionDialogOpen     ActionType = "dialog.open"
	ActionDialogSubmit   ActionType = "dialog.submit"
	ActionButtonClick    ActionType = "button.click"
	ActionDropdownSelect ActionType = "dropdown.select"
	ActionUnsupported    ActionType = "unsupported"
)

// User is chat-platform user metadata, cached per middleware instance.
type User struct {
	ID    string
	Name  string
	Email string
}

// Name is an id/name pair for channels, teams and tenants.
type Name struct {
	ID   string
	Name string
}

// Channel is a resolved chat channel with its conversation classification.
type Channel struct {
	ID           string
	Name         string
	ChattingType ChattingType
}

// Action describes one interactive-component interaction.
type Action struct {
	ID    string
	Type  ActionType
	Token string
}

// Event is the normalized form of an interactive-component callback.
type Event struct {
	PluginID string
	Action   Action
}

// Payload is the tagged union delivered to handlers. Data holds a string
// when Type is PayloadTypeMessage and an *Event when Type is
// PayloadTypeEvent.
type Payload struct {
	Type PayloadType
	Data any
}

// ChattingContext carries the normalized conversation metadata for one
// inbound message or event.
type ChattingContext struct {
	Bot     *CommonBot
	Type    ChattingType
	User    User
	Channel Name
	Team    Name
	Tenant  Name
}

// ChatContext groups the normalized chatting metadata with the opaque
// platform context. ChatTool is produced and consumed only by the
// originating platform's adapter; platform-agnostic code passes it
// through untouched.
type ChatContext struct {
	Chatting ChattingContext
	ChatTool map[string]any
}

// ChatContextData is the envelope handed to every handler.
type ChatContextData struct {
	Payload Payload
	Context ChatContext
}

// Message is one outbound unit. The concrete type of the message body
// depends on Type: a string for plain text, a platform SDK structure for
// attachments, blocks, views and cards.
type Message struct {
	Type     MessageType
	Message  any
	Mentions []map[string]any
}

// MatcherFunc reports whether an inbound message text is of interest.
type MatcherFunc func(message string) bool

// HandlerFunc processes a matched inbound message or event.
type HandlerFunc func(ctx context.Context, data *ChatContextData) error

// RouteHandlerFunc processes an interactive-component callback. The
// returned map, when non-nil, is used by webhook-style platforms that
// need a synchronous response body.
type RouteHandlerFunc func(ctx context.Context, data *ChatContextData) (map[string]any, error)

// MattermostOption configures the Mattermost adapter.
type MattermostOption struct {
	Protocol       string
	HostName       string
	Port           int
	BasePath       string
	TLSCertificate string
	TeamURL        string
	BotUserName    string
	BotAccessToken string
}

// SlackOption configures the Slack adapter. When SocketMode is true the
// adapter connects over Socket Mode with AppToken; otherwise it serves
// the Events API endpoint on the messaging app and verifies requests
// with SigningSecret.
type SlackOption struct {
	BotUserName   string
	SigningSecret string
	Token         string
	AppToken      string
	SocketMode    bool
}

// MsteamsOption configures the MS Teams adapter.
type MsteamsOption struct {
	BotUserName string
	BotID       string
	BotPassword string
}

// MessagingApp is the shared HTTP surface webhook-style adapters attach
// their routes to.
type MessagingApp interface {
	// Handle registers a handler for POSTs to path.
	Handle(path string, handler http.Handler)
	// BasePath returns the path prefix routes are mounted under.
	BasePath() string
}

// ChatToolOption carries the platform selection plus exactly one of the
// platform option structs.
type ChatToolOption struct {
	Type       ChatToolType
	Mattermost *MattermostOption
	Slack      *SlackOption
	Msteams    *MsteamsOption
}

// Option is the bot-wide configuration handed to NewCommonBot.
type Option struct {
	MessagingApp MessagingApp
	ChatTool     ChatToolOption
}

// BotUserName returns the configured bot account name for the selected
// platform.
func (o *Option) BotUserName() string {
	switch o.ChatTool.Type {
	case ChatToolMattermost, ChatToolDummy:
		if o.ChatTool.Mattermost != nil {
			return o.ChatTool.Mattermost.BotUserName
		}
	case ChatToolSlack:
		if o.ChatTool.Slack != nil {
			return o.ChatTool.Slack.BotUserName
		}
	case ChatToolMsteams:
		if o.ChatTool.Msteams != nil {
			return o.ChatTool.Msteams.BotUserName
		}
	}
	return ""
}
