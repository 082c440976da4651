package thread

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/stellarlinkco/threadbot/internal/metadata"
	"github.com/stellarlinkco/threadbot/internal/splitter"
)

const (
	DefaultMaxChatLength = 50

	CapacityReply   = "Max chat length reached. Please create a new chatroom! *Beep Boop*"
	AttachmentReply = "Sorry, I can't understand your attachment(s)... \U0001F614 I can only understand one image at a time. " +
		"If you sent an image, please remember that the max image size is 20MB. Try again with another image. *Beep Boop*"
	FailureReply = "Sorry, I encountered an error processing your message. *Beep Boop*"
)

// ErrCapacity means the thread already holds the maximum number of turns.
var ErrCapacity = errors.New("max chat length reached")

// Outcome classifies how an inbound message was handled.
type Outcome int

const (
	OutcomeIgnored Outcome = iota
	OutcomeBusy
	OutcomeRefusedCapacity
	OutcomeRefusedAttachment
	OutcomeLockFailed
	OutcomeCompletionFailed
	OutcomeSendFailed
	OutcomePersistFailed
	OutcomeReplied
)

func (o Outcome) String() string {
	switch o {
	case OutcomeBusy:
		return "busy"
	case OutcomeRefusedCapacity:
		return "refused_capacity"
	case OutcomeRefusedAttachment:
		return "refused_attachment"
	case OutcomeLockFailed:
		return "lock_failed"
	case OutcomeCompletionFailed:
		return "completion_failed"
	case OutcomeSendFailed:
		return "send_failed"
	case OutcomePersistFailed:
		return "persist_failed"
	case OutcomeReplied:
		return "replied"
	default:
		return "ignored"
	}
}

// Inbound is a message posted in a thread.
type Inbound struct {
	ThreadID    string
	MessageID   string
	AuthorID    string
	Content     string
	Attachments []Attachment
}

// Config tunes the handler.
type Config struct {
	// BotUserID identifies messages written by the bot itself.
	BotUserID     string
	MaxChatLength int
	SplitLimit    int
	Poll          PollConfig
}

// Handler runs one conversation turn per inbound thread message.
type Handler struct {
	cfg       Config
	completer Completer
}

func NewHandler(cfg Config, completer Completer) *Handler {
	if cfg.MaxChatLength <= 0 {
		cfg.MaxChatLength = DefaultMaxChatLength
	}
	if cfg.SplitLimit <= 0 {
		cfg.SplitLimit = splitter.DefaultLimit
	}
	return &Handler{cfg: cfg, completer: completer}
}

// Handle processes in against the thread it was posted in. Messages from
// anyone but the thread owner, messages in threads with unreadable metadata
// and messages arriving while the thread is busy are dropped silently.
func (h *Handler) Handle(ctx context.Context, p Platform, in Inbound) (Outcome, error) {
	logger := zerolog.Ctx(ctx).With().Str("thread", in.ThreadID).Str("message", in.MessageID).Logger()

	if in.AuthorID == h.cfg.BotUserID {
		return OutcomeIgnored, nil
	}

	messages, err := p.Messages(ctx, in.ThreadID)
	if err != nil {
		return OutcomeIgnored, errors.Wrap(err, "fetch thread messages")
	}
	if len(messages) < 2 {
		return OutcomeIgnored, nil
	}
	meta := messages[0]
	if meta.AuthorID != h.cfg.BotUserID {
		return OutcomeIgnored, nil
	}

	rec, err := metadata.Decode(meta.Content)
	if err != nil {
		logger.Debug().Err(err).Msg("ignoring thread with unreadable metadata")
		return OutcomeIgnored, nil
	}
	if rec.OwnerID != in.AuthorID {
		return OutcomeIgnored, nil
	}
	if rec.Busy {
		logger.Debug().Msg("thread busy, dropping message")
		return OutcomeBusy, nil
	}
	if err := h.checkCapacity(rec); errors.Is(err, ErrCapacity) {
		logger.Info().Int("turns", rec.TurnCount()).Msg("thread at capacity")
		if _, err := p.Reply(ctx, in.ThreadID, in.MessageID, CapacityReply); err != nil {
			return OutcomeRefusedCapacity, errors.Wrap(err, "send capacity reply")
		}
		return OutcomeRefusedCapacity, nil
	}

	userPos := -1
	for _, m := range messages {
		if m.ID == in.MessageID {
			userPos = m.Position
			break
		}
	}
	if userPos < 0 {
		return OutcomeIgnored, errors.Errorf("message %s not found in thread %s", in.MessageID, in.ThreadID)
	}

	lock, err := Acquire(ctx, p, in.ThreadID, meta, h.cfg.Poll)
	if err != nil {
		if errors.Is(err, ErrBusy) {
			return OutcomeBusy, nil
		}
		return OutcomeLockFailed, err
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Error().Err(err).Msg("thread lock not released")
		}
	}()

	user, assistant := Reconstruct(messages, rec, h.completer.AcceptImage)

	var image string
	if len(in.Attachments) > 0 {
		if len(in.Attachments) != 1 || !h.completer.AcceptImage(in.Attachments[0]) {
			if _, err := p.Reply(ctx, in.ThreadID, in.MessageID, AttachmentReply); err != nil {
				return OutcomeRefusedAttachment, errors.Wrap(err, "send attachment reply")
			}
			return OutcomeRefusedAttachment, nil
		}
		image = in.Attachments[0].URL
	}
	user = append(user, Turn{Text: in.Content, ImageURL: image})

	reply, err := h.completer.Complete(ctx, user, assistant)
	if err == nil && strings.TrimSpace(reply) == "" {
		err = errors.New("empty completion")
	}
	if err != nil {
		if _, rerr := p.Reply(ctx, in.ThreadID, in.MessageID, FailureReply); rerr != nil {
			logger.Warn().Err(rerr).Msg("send failure reply")
		}
		return OutcomeCompletionFailed, errors.Wrap(err, "completion")
	}

	chunks := splitter.Split(reply, splitter.WithLimit(h.cfg.SplitLimit))
	sent := make([]Message, 0, len(chunks))
	for _, chunk := range chunks {
		m, err := p.Reply(ctx, in.ThreadID, in.MessageID, chunk)
		if err != nil {
			return OutcomeSendFailed, errors.Wrapf(err, "send reply %d/%d", len(sent)+1, len(chunks))
		}
		sent = append(sent, m)
	}

	next, err := AppendTurn(rec, userPos, sent)
	if err != nil {
		logger.Warn().Err(err).
			Int("user_position", userPos).
			Ints("reply_positions", positions(sent)).
			Msg("reply sent but left out of history")
		return OutcomePersistFailed, err
	}
	if err := lock.Commit(ctx, next); err != nil {
		return OutcomePersistFailed, err
	}

	logger.Info().Int("turns", next.TurnCount()).Int("reply_messages", len(sent)).Msg("turn recorded")
	return OutcomeReplied, nil
}

func (h *Handler) checkCapacity(rec metadata.Record) error {
	if rec.TurnCount() >= h.cfg.MaxChatLength {
		return errors.Wrapf(ErrCapacity, "%d turns", rec.TurnCount())
	}
	return nil
}
