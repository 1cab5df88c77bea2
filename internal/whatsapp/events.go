// Package whatsapp maintains the websocket session with the Evolution-style
// gateway and sends replies back through its REST API.
package whatsapp

import "strings"

// Gateway event names carrying inbound messages.
const (
	EventMessagesUpsert = "messages.upsert"
	EventMessageCreate  = "message.create"
)

// ExtendedText is the rich-text variant of a message body.
type ExtendedText struct {
	Text string `json:"text"`
}

// TextMessage is one inbound message as the gateway delivers it.
type TextMessage struct {
	FromMe              bool          `json:"fromMe"`
	From                string        `json:"from"`
	Conversation        string        `json:"conversation"`
	ExtendedTextMessage *ExtendedText `json:"extendedTextMessage,omitempty"`
}

// Text extracts the message body, preferring the plain field over the
// extended one. Empty means the event carries nothing to relay.
func (m *TextMessage) Text() string {
	if m == nil {
		return ""
	}
	if text := strings.TrimSpace(m.Conversation); text != "" {
		return text
	}
	if m.ExtendedTextMessage != nil {
		return strings.TrimSpace(m.ExtendedTextMessage.Text)
	}
	return ""
}

// EventData is the payload of a gateway event. Depending on the event kind
// the message arrives as a single object or as the head of an array.
type EventData struct {
	Message  *TextMessage  `json:"message,omitempty"`
	Messages []TextMessage `json:"messages,omitempty"`
}

// First returns the event's message, from whichever field carries it.
func (d EventData) First() *TextMessage {
	if d.Message != nil {
		return d.Message
	}
	if len(d.Messages) > 0 {
		return &d.Messages[0]
	}
	return nil
}

// Event is the envelope every gateway frame decodes into.
type Event struct {
	Event string    `json:"event"`
	Data  EventData `json:"data"`
}
