// Package limits exposes per-platform ceilings for outbound message
// formatting. The numbers come from the platforms' published API limits.
package limits

// MattermostLimit holds the Mattermost API ceilings.
type MattermostLimit struct {
	// MessageMaxLength is the post character limit (65535 bytes of
	// multi-byte text since Mattermost 5.0).
	MessageMaxLength int
}

// SlackLimit holds the Slack message and Block Kit ceilings.
// See https://api.slack.com/reference/block-kit/blocks for the
// per-block field limits.
type SlackLimit struct {
	MessageMaxLength int

	BlockIDMaxLength              int
	ActionBlockElementsMaxNumber  int
	ContextBlockElementsMaxNumber int
	HeaderBlockTextMaxLength      int
	ImageBlockURLMaxLength        int
	ImageBlockAltTextMaxLength    int
	ImageBlockTitleTextMaxLength  int
	InputBlockLabelTextMaxLength  int
	InputBlockHintTextMaxLength   int
	SectionBlockTextMaxLength     int
	SectionBlockFieldsMaxNumber   int
	SectionBlockFieldsTextMaxLength int
	VideoBlockAuthorNameMaxLength int
	VideoBlockTitleTextMaxLength  int
}

// MsteamsLimit holds the MS Teams ceilings.
type MsteamsLimit struct {
	MessageMaxLength        int
	FileAttachmentMaxNumber int
}

// ForMattermost returns the Mattermost limits. The dummy platform
// speaks the Mattermost wire protocol and shares them.
func ForMattermost() MattermostLimit {
	return MattermostLimit{
		MessageMaxLength: 16383,
	}
}

// ForSlack returns the Slack limits.
func ForSlack() SlackLimit {
	return SlackLimit{
		MessageMaxLength: 40000,

		BlockIDMaxLength:              255,
		ActionBlockElementsMaxNumber:  25,
		ContextBlockElementsMaxNumber: 10,
		HeaderBlockTextMaxLength:      150,
		ImageBlockURLMaxLength:        3000,
		ImageBlockAltTextMaxLength:    2000,
		ImageBlockTitleTextMaxLength:  2000,
		InputBlockLabelTextMaxLength:  2000,
		InputBlockHintTextMaxLength:   2000,
		SectionBlockTextMaxLength:     3000,
		SectionBlockFieldsMaxNumber:   10,
		SectionBlockFieldsTextMaxLength: 2000,
		VideoBlockAuthorNameMaxLength: 50,
		VideoBlockTitleTextMaxLength:  200,
	}
}

// ForMsteams returns the MS Teams limits.
func ForMsteams() MsteamsLimit {
	return MsteamsLimit{
		MessageMaxLength:        28 * 1024,
		FileAttachmentMaxNumber: 10,
	}
}

// MessageMaxLengthFor looks up the outbound message ceiling by chat
// tool name. Unrecognized names get the Mattermost limit, the smallest
// of the three.
func MessageMaxLengthFor(chatTool string) int {
	switch chatTool {
	case "slack":
		return ForSlack().MessageMaxLength
	case "msteams":
		return ForMsteams().MessageMaxLength
	default:
		return ForMattermost().MessageMaxLength
	}
}
