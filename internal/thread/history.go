package thread

import (
	"strings"

	"github.com/stellarlinkco/threadbot/internal/metadata"
)

// Reconstruct replays messages against rec and returns the user and
// assistant turns in conversation order. A user turn carries its image
// only when the message has exactly one attachment and accept approves it.
// Messages that belong to neither index set are skipped.
func Reconstruct(messages []Message, rec metadata.Record, accept func(Attachment) bool) (user, assistant []Turn) {
	byPos := make(map[int]Message, len(messages))
	last := 0
	for _, m := range messages {
		byPos[m.Position] = m
		if m.Position > last {
			last = m.Position
		}
	}

	users := make(map[int]struct{}, len(rec.UserTurns))
	for _, pos := range rec.UserTurns {
		users[pos] = struct{}{}
	}
	groupOf := make(map[int]int)
	for gi, group := range rec.AssistantGroups {
		for _, pos := range group {
			groupOf[pos] = gi
		}
	}
	built := make([]bool, len(rec.AssistantGroups))

	for pos := 1; pos <= last; pos++ {
		m, ok := byPos[pos]
		if !ok {
			continue
		}
		if _, ok := users[pos]; ok {
			user = append(user, Turn{Text: m.Content, ImageURL: imageOf(m.Attachments, accept)})
			continue
		}
		gi, ok := groupOf[pos]
		if !ok || built[gi] {
			continue
		}
		built[gi] = true
		parts := make([]string, 0, len(rec.AssistantGroups[gi]))
		for _, gp := range rec.AssistantGroups[gi] {
			if gm, ok := byPos[gp]; ok {
				parts = append(parts, gm.Content)
			}
		}
		assistant = append(assistant, Turn{Text: strings.Join(parts, "\n")})
	}
	return user, assistant
}

func imageOf(attachments []Attachment, accept func(Attachment) bool) string {
	if len(attachments) != 1 || accept == nil || !accept(attachments[0]) {
		return ""
	}
	return attachments[0].URL
}
