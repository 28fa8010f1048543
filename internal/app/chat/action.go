package chat

import (
	"encoding/json"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/cockroachdb/errors"
)

// MessageType classifies a chat message by its server-reported kind.
type MessageType int

const (
	// MessageTypeMessage is an ordinary user message.
	MessageTypeMessage MessageType = iota
	// MessageTypeSystem is a server-generated event (join/leave).
	MessageTypeSystem
	// MessageTypeBeep is a directed attention ping.
	MessageTypeBeep
	// MessageTypeDialogue is a private dialogue message.
	MessageTypeDialogue
)

// String returns the string representation of the message type.
func (t MessageType) String() string {
	switch t {
	case MessageTypeMessage:
		return "message"
	case MessageTypeSystem:
		return "system"
	case MessageTypeBeep:
		return "beep"
	case MessageTypeDialogue:
		return "dialogue"
	default:
		return "unknown"
	}
}

// Message is one chat message delivered by an update response. The
// server wraps message bodies in rendered HTML; Time, User and Text are
// scraped back out of it.
type Message struct {
	ID     string
	Type   MessageType
	Time   string
	User   string
	UserID string
	Text   string
}

// UserInfo is one entry of the chat's active-user snapshot.
type UserInfo struct {
	Name    string `json:"name"`
	URL     string `json:"url"`
	Picture string `json:"picture"`
	ID      string `json:"id"`

	// Bot marks users that belong to this process's own profiles.
	Bot bool `json:"-"`
}

// Action is one batch of chat activity delivered to listeners: the
// newly-seen messages plus, when present, a full replacement of the
// active-user snapshot.
type Action struct {
	// Messages holds messages not seen by the connection before, in
	// server order.
	Messages []Message
	// Users is nil when the update carried no user snapshot; an empty
	// non-nil slice means the room reported no active users.
	Users []UserInfo
}

// Empty reports whether the action carries nothing worth fanning out.
func (a *Action) Empty() bool {
	return len(a.Messages) == 0 && a.Users == nil
}

type rawMessage struct {
	ID      string `json:"id"`
	UserID  string `json:"userid"`
	Message string `json:"message"`
	System  string `json:"system"`
	Type    string `json:"type"`
}

// parseMessage decodes one server message object, scraping the rendered
// HTML body for its visible parts.
func parseMessage(raw json.RawMessage) (Message, error) {
	var rm rawMessage
	if err := json.Unmarshal(raw, &rm); err != nil {
		return Message{}, errors.Wrap(err, "malformed chat message object")
	}
	if rm.ID == "" {
		return Message{}, errors.New("chat message carries no id")
	}

	msg := Message{ID: rm.ID, UserID: rm.UserID, Type: messageType(rm)}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rm.Message))
	if err != nil {
		return Message{}, errors.Wrap(err, "failed to parse chat message body")
	}

	if msg.Type == MessageTypeSystem {
		event := doc.Find(".chat-event")
		msg.Time = strings.TrimSpace(event.Find(".time").Text())
		msg.Text = strings.TrimSpace(event.Find(".event").Text())
		return msg, nil
	}

	body := doc.Find(".chat-message")
	msg.Time = strings.TrimSpace(body.Find(".chat-message-meta .time").Text())
	msg.User = strings.TrimSpace(body.Find(".chat-message-meta .user a").Text())
	msg.Text = strings.TrimSpace(body.Find(".text").Text())
	return msg, nil
}

func messageType(rm rawMessage) MessageType {
	if rm.System == "1" {
		return MessageTypeSystem
	}
	switch strings.ToLower(rm.Type) {
	case "system":
		return MessageTypeSystem
	case "beep":
		return MessageTypeBeep
	case "dialogue":
		return MessageTypeDialogue
	default:
		return MessageTypeMessage
	}
}
