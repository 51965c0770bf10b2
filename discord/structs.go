package discord

import (
	"strconv"
	"strings"
)

// Block contains the valid known MessageType values
const (
	MessageTypeDefault MessageType = iota
	MessageTypeRecipientAdd
	MessageTypeRecipientRemove
	MessageTypeCall
	MessageTypeChannelNameChange
	MessageTypeChannelIconChange
	MessageTypeChannelPinnedMessage
	MessageTypeGuildMemberJoin
)

// MessageTypeReply is a message created with the reply feature. Upscale
// results arrive as replies referencing the grid message.
const MessageTypeReply MessageType = 19

// Constants for the different bit offsets of Message Flags
const (
	// This message has been published to subscribed channels (via Channel Following)
	MessageFlagCrossposted MessageFlag = 1 << iota
	// This message originated from a message in another channel (via Channel Following)
	MessageFlagIsCrosspost
	// Do not include any embeds when serializing this message
	MessageFlagSuppressEmbeds
	_
	_
	_
	// This message is only visible to the user who invoked the interaction
	MessageFlagEphemeral
)

// Component type constants, we only care about rows and buttons.
const (
	ComponentTypeActionRow ComponentType = 1
	ComponentTypeButton    ComponentType = 2
)

// MessageType is the type of Message
type MessageType int

// MessageFlag describes an extra feature of the message
type MessageFlag int

// ComponentType is the type of MessageComponent
type ComponentType int

// Timestamp stores a timestamp, as sent by the Discord API.
type Timestamp string

// A User stores all data for an individual Discord user.
type User struct {
	// The ID of the user.
	ID string `json:"id"`

	// The user's username.
	Username string `json:"username"`

	// The discriminator of the user (4 numbers after name).
	Discriminator string `json:"discriminator"`

	// Whether the user is a bot.
	Bot bool `json:"bot"`
}

// A Message stores all data related to a specific Discord message.
type Message struct {
	// The ID of the message.
	ID string `json:"id"`

	// The ID of the channel in which the message was sent.
	ChannelID string `json:"channel_id"`

	// The ID of the guild in which the message was sent.
	GuildID string `json:"guild_id,omitempty"`

	// The content of the message.
	Content string `json:"content"`

	// The time at which the messsage was sent.
	// CAUTION: this field may be removed in a
	// future API version; it is safer to calculate
	// the creation time via the ID.
	Timestamp Timestamp `json:"timestamp"`

	// The time at which the last edit of the message
	// occurred, if it has been edited.
	EditedTimestamp Timestamp `json:"edited_timestamp"`

	// The author of the message. This is not guaranteed to be a
	// valid user (webhook-sent messages do not possess a full author).
	Author *User `json:"author"`

	// A list of attachments present in the message.
	Attachments []*MessageAttachment `json:"attachments"`

	// A list of component rows present in the message.
	Components []*MessageComponent `json:"components"`

	// The message this message references, present on replies.
	MessageReference *MessageReference `json:"message_reference,omitempty"`

	// The message that was replied to, partial and only present on
	// fetched replies.
	ReferencedMessage *Message `json:"referenced_message,omitempty"`

	// The type of the message.
	Type MessageType `json:"type"`

	// Flags of the message.
	Flags MessageFlag `json:"flags"`
}

// A MessageAttachment stores data for message attachments.
type MessageAttachment struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	ProxyURL    string `json:"proxy_url"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Size        int    `json:"size"`
}

// A MessageComponent is an action row or one of its children. Only the
// fields buttons carry are modelled.
type MessageComponent struct {
	Type       ComponentType       `json:"type"`
	Style      int                 `json:"style,omitempty"`
	Label      string              `json:"label,omitempty"`
	CustomID   string              `json:"custom_id,omitempty"`
	Disabled   bool                `json:"disabled,omitempty"`
	Components []*MessageComponent `json:"components,omitempty"`
}

// A MessageReference contains reference data sent with crossposted or
// reply messages.
type MessageReference struct {
	MessageID string `json:"message_id"`
	ChannelID string `json:"channel_id,omitempty"`
	GuildID   string `json:"guild_id,omitempty"`
}

// An UpscaleButton is one of the U1..U4 buttons attached to a grid.
type UpscaleButton struct {
	MessageID    string
	CustomID     string
	Label        string
	VariantIndex int
}

// UpscaleButtons extracts the U1..U4 buttons from a grid message, in
// label order. A grid is only actionable once all four are present.
func UpscaleButtons(m *Message) []UpscaleButton {
	if m == nil || len(m.Components) == 0 {
		return nil
	}

	var buttons []UpscaleButton
	for _, row := range m.Components {
		for _, component := range row.Components {
			if component.Type != ComponentTypeButton {
				continue
			}
			label := component.Label
			if len(label) < 2 || label[0] != 'U' {
				continue
			}
			n, err := strconv.Atoi(label[1:])
			if err != nil || n < 1 || n > 4 {
				continue
			}
			if !strings.Contains(component.CustomID, "::upsample::") {
				continue
			}
			buttons = append(buttons, UpscaleButton{
				MessageID:    m.ID,
				CustomID:     component.CustomID,
				Label:        label,
				VariantIndex: n - 1,
			})
		}
	}

	return buttons
}

// HasFullUpscaleRow reports whether the message carries all four
// upsample buttons.
func HasFullUpscaleRow(m *Message) bool {
	seen := make(map[int]bool, 4)
	for _, b := range UpscaleButtons(m) {
		seen[b.VariantIndex] = true
	}
	return len(seen) == 4
}
