// Package thread implements the conversation state machine for chat threads
// whose only persistence is the platform's own message list.
package thread

import "context"

// Attachment is a file attached to a platform message.
type Attachment struct {
	URL         string
	Filename    string
	ContentType string
	Size        int
}

// Message is one message of a thread. Position is the message's index in
// the thread, 0 being the metadata message.
type Message struct {
	ID          string
	AuthorID    string
	Content     string
	Attachments []Attachment
	Position    int
}

// Platform is the subset of the chat platform the state machine needs.
// Thread message lists are append-only; edits are eventually consistent.
type Platform interface {
	// Messages returns every message of the thread in position order.
	Messages(ctx context.Context, threadID string) ([]Message, error)
	// Message fetches the current platform view of one message.
	Message(ctx context.Context, threadID, messageID string) (Message, error)
	Edit(ctx context.Context, threadID, messageID, content string) error
	// Reply sends content as a reply and returns it with Position set.
	Reply(ctx context.Context, threadID, replyToID, content string) (Message, error)
}

// Turn is one logical contribution to the conversation.
type Turn struct {
	Text     string
	ImageURL string
}

// Completer produces the assistant reply for a conversation.
type Completer interface {
	// Complete receives user and assistant turns in conversation order;
	// user[i] precedes assistant[i].
	Complete(ctx context.Context, user, assistant []Turn) (string, error)
	AcceptImage(a Attachment) bool
}
