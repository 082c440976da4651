package thread

import (
	"github.com/pkg/errors"

	"github.com/stellarlinkco/threadbot/internal/metadata"
)

// ErrNotContiguous means the reply messages of one turn were interleaved
// with other messages and cannot be recorded as a single group.
var ErrNotContiguous = errors.New("reply messages are not contiguous")

// AppendTurn returns rec extended by the user message at userPos and the
// assistant reply made of replies. rec itself is not modified.
func AppendTurn(rec metadata.Record, userPos int, replies []Message) (metadata.Record, error) {
	if len(replies) == 0 {
		return rec, errors.New("append turn: no reply messages")
	}
	group := make([]int, len(replies))
	for i, m := range replies {
		group[i] = m.Position
		if i > 0 && group[i] != group[i-1]+1 {
			return rec, errors.Wrapf(ErrNotContiguous, "positions %v", positions(replies))
		}
	}
	if group[0] <= userPos {
		return rec, errors.Errorf("append turn: reply at %d precedes user message at %d", group[0], userPos)
	}

	next := rec.Clone()
	next.UserTurns = append(next.UserTurns, userPos)
	next.AssistantGroups = append(next.AssistantGroups, group)
	if err := next.Validate(); err != nil {
		return rec, errors.Wrap(err, "append turn")
	}
	return next, nil
}

func positions(messages []Message) []int {
	out := make([]int, len(messages))
	for i, m := range messages {
		out[i] = m.Position
	}
	return out
}
