// Package metadata encodes and decodes the conversation record kept in the
// first message of a chat thread.
//
// The wire layout is line oriented:
//
//	<@owner>
//	1 3 5            user turn positions
//	2 4-5 6          assistant reply groups (start-end spans one split reply)
//	footer text
//	Thinking...      optional busy marker
//
// A thread without history uses the two line form "<@owner>\nfooter".
package metadata

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// BusyMarker is the trailing line present while a reply is being computed.
const BusyMarker = "Thinking..."

// maxGroupSpan bounds a single start-end token; one reply never spans more messages.
const maxGroupSpan = 1000

// ErrParse marks metadata text that does not describe a valid record.
var ErrParse = errors.New("malformed thread metadata")

var (
	mentionPattern = regexp.MustCompile(`^<@(\d+)>$`)
	indexPattern   = regexp.MustCompile(`^\d+$`)
	rangePattern   = regexp.MustCompile(`^(\d+)-(\d+)$`)
)

// Record is the decoded state of a conversation thread.
type Record struct {
	OwnerID         string
	UserTurns       []int
	AssistantGroups [][]int
	Busy            bool
	Footer          string
}

// New returns the record a freshly created thread is seeded with.
func New(ownerID, footer string) Record {
	return Record{OwnerID: ownerID, Footer: footer}
}

// Mention formats a user id the way the first metadata line stores it.
func Mention(userID string) string {
	return "<@" + userID + ">"
}

// TurnCount is the number of user turns recorded so far.
func (r Record) TurnCount() int {
	return len(r.UserTurns)
}

// Pending reports whether the last user turn has no assistant reply.
func (r Record) Pending() bool {
	return len(r.UserTurns) == len(r.AssistantGroups)+1
}

// WithBusy returns a copy of r with the busy flag set to busy.
func (r Record) WithBusy(busy bool) Record {
	c := r.Clone()
	c.Busy = busy
	return c
}

// Clone returns a deep copy so callers can extend the index slices safely.
func (r Record) Clone() Record {
	c := r
	if r.UserTurns != nil {
		c.UserTurns = append([]int(nil), r.UserTurns...)
	}
	if r.AssistantGroups != nil {
		c.AssistantGroups = make([][]int, len(r.AssistantGroups))
		for i, g := range r.AssistantGroups {
			c.AssistantGroups[i] = append([]int(nil), g...)
		}
	}
	return c
}

// Validate checks the structural invariants Encode relies on.
func (r Record) Validate() error {
	if !indexPattern.MatchString(r.OwnerID) {
		return errors.Wrapf(ErrParse, "owner id %q is not numeric", r.OwnerID)
	}
	if strings.Contains(r.Footer, "\n") {
		return errors.Wrap(ErrParse, "footer spans multiple lines")
	}
	if r.Footer == BusyMarker {
		return errors.Wrap(ErrParse, "footer equals the busy marker")
	}
	users, groups := len(r.UserTurns), len(r.AssistantGroups)
	if users != groups && users != groups+1 {
		return errors.Wrapf(ErrParse, "%d user turns against %d assistant groups", users, groups)
	}

	seen := make(map[int]struct{}, users+groups)
	last := -1
	for _, idx := range r.UserTurns {
		if idx < 0 || idx <= last {
			return errors.Wrapf(ErrParse, "user turn %d out of order", idx)
		}
		last = idx
		seen[idx] = struct{}{}
	}

	last = -1
	for _, group := range r.AssistantGroups {
		if len(group) == 0 {
			return errors.Wrap(ErrParse, "empty assistant group")
		}
		for i, idx := range group {
			if idx < 0 || idx <= last {
				return errors.Wrapf(ErrParse, "assistant position %d out of order", idx)
			}
			if i > 0 && idx != group[i-1]+1 {
				return errors.Wrapf(ErrParse, "assistant group %v is not contiguous", group)
			}
			if _, dup := seen[idx]; dup {
				return errors.Wrapf(ErrParse, "position %d is both a user turn and an assistant reply", idx)
			}
			last = idx
		}
	}
	return nil
}

// Decode parses the text of a thread's metadata message.
func Decode(text string) (Record, error) {
	lines := strings.Split(text, "\n")

	var rec Record
	if len(lines) > 1 && lines[len(lines)-1] == BusyMarker {
		rec.Busy = true
		lines = lines[:len(lines)-1]
	}

	if len(lines[0]) <= 3 {
		return Record{}, errors.Wrap(ErrParse, "missing owner mention")
	}
	m := mentionPattern.FindStringSubmatch(lines[0])
	if m == nil {
		return Record{}, errors.Wrapf(ErrParse, "first line %q is not a user mention", lines[0])
	}
	rec.OwnerID = m[1]

	switch len(lines) {
	case 2:
		rec.Footer = lines[1]
		return rec, nil
	case 4:
	default:
		return Record{}, errors.Wrapf(ErrParse, "expected 2 or 4 lines, got %d", len(lines))
	}

	users, err := parseUserTurns(lines[1])
	if err != nil {
		return Record{}, err
	}
	groups, err := parseAssistantGroups(lines[2])
	if err != nil {
		return Record{}, err
	}
	rec.UserTurns = users
	rec.AssistantGroups = groups
	rec.Footer = lines[3]

	if err := rec.Validate(); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Encode renders r in the wire layout. r is expected to pass Validate.
func Encode(r Record) string {
	var sb strings.Builder
	sb.WriteString(Mention(r.OwnerID))
	sb.WriteByte('\n')

	if len(r.UserTurns) > 0 || len(r.AssistantGroups) > 0 {
		users := make([]string, len(r.UserTurns))
		for i, idx := range r.UserTurns {
			users[i] = strconv.Itoa(idx)
		}
		groups := make([]string, len(r.AssistantGroups))
		for i, g := range r.AssistantGroups {
			groups[i] = groupToken(g)
		}
		sb.WriteString(strings.Join(users, " "))
		sb.WriteByte('\n')
		sb.WriteString(strings.Join(groups, " "))
		sb.WriteByte('\n')
	}

	sb.WriteString(r.Footer)
	if r.Busy {
		sb.WriteByte('\n')
		sb.WriteString(BusyMarker)
	}
	return sb.String()
}

// ToggleBusy flips the busy marker on raw metadata text without decoding it.
func ToggleBusy(text string) string {
	if strings.HasSuffix(text, "\n"+BusyMarker) {
		return strings.TrimSuffix(text, "\n"+BusyMarker)
	}
	return text + "\n" + BusyMarker
}

// IsBusy reports whether raw metadata text carries the busy marker.
func IsBusy(text string) bool {
	return strings.HasSuffix(text, "\n"+BusyMarker)
}

func groupToken(group []int) string {
	if len(group) == 1 {
		return strconv.Itoa(group[0])
	}
	return strconv.Itoa(group[0]) + "-" + strconv.Itoa(group[len(group)-1])
}

func parseUserTurns(line string) ([]int, error) {
	if line == "" {
		return nil, nil
	}
	tokens := strings.Split(line, " ")
	out := make([]int, 0, len(tokens))
	for _, tok := range tokens {
		if !indexPattern.MatchString(tok) {
			return nil, errors.Wrapf(ErrParse, "bad user turn token %q", tok)
		}
		n, err := strconv.Atoi(tok)
		if err != nil {
			return nil, errors.Wrapf(ErrParse, "user turn %q: %v", tok, err)
		}
		out = append(out, n)
	}
	return out, nil
}

func parseAssistantGroups(line string) ([][]int, error) {
	if line == "" {
		return nil, nil
	}
	tokens := strings.Split(line, " ")
	out := make([][]int, 0, len(tokens))
	for _, tok := range tokens {
		if indexPattern.MatchString(tok) {
			n, err := strconv.Atoi(tok)
			if err != nil {
				return nil, errors.Wrapf(ErrParse, "assistant position %q: %v", tok, err)
			}
			out = append(out, []int{n})
			continue
		}

		m := rangePattern.FindStringSubmatch(tok)
		if m == nil {
			return nil, errors.Wrapf(ErrParse, "bad assistant token %q", tok)
		}
		start, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, errors.Wrapf(ErrParse, "assistant range %q: %v", tok, err)
		}
		end, err := strconv.Atoi(m[2])
		if err != nil {
			return nil, errors.Wrapf(ErrParse, "assistant range %q: %v", tok, err)
		}
		if end < start {
			return nil, errors.Wrapf(ErrParse, "assistant range %q runs backwards", tok)
		}
		if end-start >= maxGroupSpan {
			return nil, errors.Wrapf(ErrParse, "assistant range %q is implausibly long", tok)
		}
		group := make([]int, 0, end-start+1)
		for i := start; i <= end; i++ {
			group = append(group, i)
		}
		out = append(out, group)
	}
	return out, nil
}
