package bus

import (
	"time"

	"github.com/stellarlinkco/threadbot/internal/thread"
)

// Kind tells the gateway how to route an inbound message.
type Kind int

const (
	// KindChat is a one-shot prompt answered without history.
	KindChat Kind = iota
	// KindThread is a message posted inside a conversation thread.
	KindThread
	// KindImage asks for a picture generated from Content.
	KindImage
)

func (k Kind) String() string {
	switch k {
	case KindThread:
		return "thread"
	case KindImage:
		return "image"
	default:
		return "chat"
	}
}

type InboundMessage struct {
	// ID correlates the inbound message with its outbound answer.
	ID          string
	Kind        Kind
	Channel     string
	SenderID    string
	ChatID      string
	MessageID   string
	Content     string
	Timestamp   time.Time
	Attachments []thread.Attachment
	Metadata    map[string]any
}

func (m *InboundMessage) SessionKey() string {
	return m.Channel + ":" + m.ChatID
}

// ThreadInbound converts a thread message for the conversation handler.
func (m *InboundMessage) ThreadInbound() thread.Inbound {
	return thread.Inbound{
		ThreadID:    m.ChatID,
		MessageID:   m.MessageID,
		AuthorID:    m.SenderID,
		Content:     m.Content,
		Attachments: m.Attachments,
	}
}

// File is binary content sent along with an outbound message.
type File struct {
	Name        string
	ContentType string
	Description string
	Data        []byte
}

type OutboundMessage struct {
	Channel string
	ChatID  string
	Content string
	// ReplyTo is the ID of the inbound message being answered.
	ReplyTo  string
	Failed   bool
	Files    []File
	Metadata map[string]any
}
