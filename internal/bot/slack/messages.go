package slack

import (
	slackapi "github.com/slack-go/slack"
)

// ViewMessage is the body of a slack.view outbound message: it opens a
// modal through the Web API.
type ViewMessage struct {
	TriggerID string
	View      slackapi.ModalViewRequest
}

// ViewUpdateMessage is the body of a slack.viewUpdate outbound message.
type ViewUpdateMessage struct {
	ViewID     string
	ExternalID string
	Hash       string
	View       slackapi.ModalViewRequest
}

// BlockMessage is the body of a slack.block outbound message. Channel
// and ThreadTS fall back to the conversation carried in the context
// when empty. Text is the notification fallback shown where blocks
// cannot render.
type BlockMessage struct {
	Channel  string
	ThreadTS string
	Text     string
	Blocks   []slackapi.Block
}
