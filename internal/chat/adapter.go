// Package chat connects signalbox to the team chat platform (Slack,
// Discord). Platform events are decoded once, at the adapter boundary,
// into the Event variants below.
package chat

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Button actions understood by the engine.
const (
	ActionTakeWork  = "take_work"
	ActionIntroduce = "introduce"
)

// Adapter is the interface that platform-specific implementations must satisfy.
type Adapter interface {
	// Connect establishes a connection to the chat platform.
	Connect(ctx context.Context) error

	// Listen returns the stream of inbound events. The channel is closed
	// when the adapter is closed. Listen must only be called after Connect.
	Listen(ctx context.Context) (<-chan Event, error)

	// Send delivers a message and returns a reference to it.
	Send(ctx context.Context, msg OutboundMessage) (MessageRef, error)

	// EditButtons replaces the text and buttons of a message sent earlier.
	EditButtons(ctx context.Context, ref MessageRef, text string, buttons []Button) error

	// Answer acknowledges a button press or slash command. A non-empty
	// text is shown to the user who triggered it.
	Answer(ctx context.Context, callbackID, text string) error

	// Mention renders a platform-native @-mention of userID.
	Mention(userID string) string

	// Link renders a platform-native hyperlink.
	Link(url, label string) string

	// BotUserID returns the bot's own user ID (available after Connect).
	BotUserID() string

	// Close gracefully shuts down the adapter connection.
	Close() error
}

// MessageRef identifies a message on the chat platform.
type MessageRef struct {
	ChannelID string
	MessageID string
}

// Key returns the "channel:message" form used to index tracked messages.
func (r MessageRef) Key() string {
	return r.ChannelID + ":" + r.MessageID
}

// IsZero reports whether r is unset.
func (r MessageRef) IsZero() bool {
	return r.ChannelID == "" && r.MessageID == ""
}

// ParseRef parses the Key form of a MessageRef.
func ParseRef(key string) (MessageRef, error) {
	ch, msg, ok := strings.Cut(key, ":")
	if !ok || ch == "" || msg == "" {
		return MessageRef{}, fmt.Errorf("chat: invalid message ref %q", key)
	}
	return MessageRef{ChannelID: ch, MessageID: msg}, nil
}

// Button is either a link (URL set) or a callback (Action set).
type Button struct {
	Text   string
	URL    string
	Action string
}

// OutboundMessage is a message to be sent to the chat platform.
type OutboundMessage struct {
	ChannelID string
	ReplyTo   *MessageRef // reply to this message (thread on Slack, reference on Discord)
	Text      string
	Buttons   []Button
}

// Event is one of TextMessage, ButtonPress or SlashCommand.
type Event interface {
	isEvent()
}

// TextMessage is a plain message posted by a human.
type TextMessage struct {
	Ref       MessageRef
	ReplyTo   *MessageRef // message this one replies to, if any
	UserID    string
	UserName  string
	Text      string
	Timestamp time.Time
}

// ButtonPress is a click on a callback button.
type ButtonPress struct {
	Ref        MessageRef // message carrying the button
	CallbackID string
	Action     string
	UserID     string
	UserName   string
}

// SlashCommand is a /command invocation. Name has no leading slash.
type SlashCommand struct {
	ChannelID  string
	CallbackID string
	Name       string
	Args       string
	UserID     string
	UserName   string
}

func (TextMessage) isEvent()  {}
func (ButtonPress) isEvent()  {}
func (SlashCommand) isEvent() {}
