package thread

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/stellarlinkco/threadbot/internal/metadata"
)

const (
	DefaultPollInterval = 50 * time.Millisecond
	DefaultPollMaxTries = 200
)

var (
	// ErrEditUnconfirmed means the platform never showed the edited content
	// within the poll budget.
	ErrEditUnconfirmed = errors.New("metadata edit not confirmed")
	// ErrBusy means another turn holds the thread.
	ErrBusy = errors.New("thread is busy")

	errNotVisible = errors.New("edit not visible yet")
)

// PollConfig bounds the wait for an edit to become visible.
type PollConfig struct {
	Interval time.Duration
	MaxTries uint
}

func (c PollConfig) withDefaults() PollConfig {
	if c.Interval <= 0 {
		c.Interval = DefaultPollInterval
	}
	if c.MaxTries == 0 {
		c.MaxTries = DefaultPollMaxTries
	}
	return c
}

// Toggle flips the busy marker on the metadata message and waits until the
// platform serves the new content.
func Toggle(ctx context.Context, p Platform, threadID string, meta Message, poll PollConfig) (Message, error) {
	return writeConfirmed(ctx, p, threadID, meta, metadata.ToggleBusy(meta.Content), poll)
}

func writeConfirmed(ctx context.Context, p Platform, threadID string, meta Message, want string, poll PollConfig) (Message, error) {
	poll = poll.withDefaults()
	if err := p.Edit(ctx, threadID, meta.ID, want); err != nil {
		return meta, errors.Wrapf(err, "edit metadata message %s", meta.ID)
	}

	cur, err := backoff.Retry(ctx, func() (Message, error) {
		m, err := p.Message(ctx, threadID, meta.ID)
		if err != nil {
			return Message{}, err
		}
		if m.Content != want {
			return Message{}, errNotVisible
		}
		return m, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(poll.Interval)),
		backoff.WithMaxTries(poll.MaxTries),
	)
	if err != nil {
		return meta, errors.Wrapf(ErrEditUnconfirmed, "message %s: %v", meta.ID, err)
	}
	cur.Position = meta.Position
	return cur, nil
}

// Lock holds a thread's busy flag. Release must run on every exit path.
type Lock struct {
	platform Platform
	threadID string
	poll     PollConfig
	meta     Message
	released bool
}

// Acquire sets the busy flag on meta. It fails with ErrBusy when the flag is
// already set.
func Acquire(ctx context.Context, p Platform, threadID string, meta Message, poll PollConfig) (*Lock, error) {
	if metadata.IsBusy(meta.Content) {
		return nil, ErrBusy
	}
	cur, err := Toggle(ctx, p, threadID, meta, poll)
	if err != nil {
		if errors.Is(err, ErrEditUnconfirmed) {
			// The edit may still land later; put the previous text back so
			// the thread is not left locked by a half-finished acquire.
			if rerr := p.Edit(context.WithoutCancel(ctx), threadID, meta.ID, meta.Content); rerr != nil {
				zerolog.Ctx(ctx).Warn().Err(rerr).Str("thread", threadID).Msg("revert unconfirmed lock")
			}
		}
		return nil, errors.Wrap(err, "acquire thread lock")
	}
	return &Lock{platform: p, threadID: threadID, poll: poll, meta: cur}, nil
}

// Metadata is the last confirmed metadata message.
func (l *Lock) Metadata() Message {
	return l.meta
}

// Commit persists rec while keeping the thread locked. On failure the
// previously confirmed content remains what Release restores from.
func (l *Lock) Commit(ctx context.Context, rec metadata.Record) error {
	if l.released {
		return errors.New("commit after release")
	}
	cur, err := writeConfirmed(ctx, l.platform, l.threadID, l.meta, metadata.Encode(rec.WithBusy(true)), l.poll)
	if err != nil {
		return errors.Wrap(err, "persist metadata")
	}
	l.meta = cur
	return nil
}

// Release clears the busy flag. Calling it more than once is a no-op.
func (l *Lock) Release(ctx context.Context) error {
	if l == nil || l.released {
		return nil
	}
	l.released = true
	if !metadata.IsBusy(l.meta.Content) {
		return nil
	}
	cur, err := Toggle(ctx, l.platform, l.threadID, l.meta, l.poll)
	if err != nil {
		return errors.Wrap(err, "release thread lock")
	}
	l.meta = cur
	return nil
}

// Unlock clears a busy flag left behind by a crashed turn. It reports
// whether an edit was needed.
func Unlock(ctx context.Context, p Platform, threadID string, poll PollConfig) (bool, error) {
	messages, err := p.Messages(ctx, threadID)
	if err != nil {
		return false, errors.Wrap(err, "fetch thread messages")
	}
	if len(messages) == 0 {
		return false, errors.Errorf("thread %s has no messages", threadID)
	}
	meta := messages[0]
	if !metadata.IsBusy(meta.Content) {
		return false, nil
	}
	if _, err := Toggle(ctx, p, threadID, meta, poll); err != nil {
		return false, errors.Wrap(err, "unlock thread")
	}
	return true, nil
}
