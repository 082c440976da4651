// Package splitter breaks one long markdown reply into platform sized
// messages without cutting through markdown constructs.
package splitter

import (
	"strings"
	"unicode/utf8"
)

// DefaultLimit is Discord's per-message character limit.
const DefaultLimit = 2000

type options struct {
	limit  int
	prefix string
}

// Option configures Split.
type Option func(*options)

// WithLimit sets the maximum characters per message.
func WithLimit(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.limit = n
		}
	}
}

// WithPrefix places s at the start of the first message.
func WithPrefix(s string) Option {
	return func(o *options) {
		o.prefix = s
	}
}

// Split partitions content into messages of at most the configured limit.
// Segments are packed greedily and never split, except fenced code blocks
// (split between lines and re-fenced, also when nested in a list item or
// quote) and single segments that cannot fit a message on their own.
func Split(content string, opts ...Option) []string {
	o := options{limit: DefaultLimit}
	for _, opt := range opts {
		opt(&o)
	}

	p := &packer{limit: o.limit}
	if o.prefix != "" {
		for _, piece := range hardSplit(o.prefix, o.limit) {
			p.raw(piece)
		}
	}

	for _, seg := range Parse(content) {
		if length(seg.Text) <= o.limit {
			p.add(seg.Text)
			continue
		}
		var pieces []string
		switch seg.Kind {
		case KindCode:
			pieces = splitCode(seg.Text, o.limit)
		case KindListItem, KindQuote:
			pieces = splitNested(seg.Text, o.limit)
		default:
			pieces = hardSplit(seg.Text, o.limit)
		}
		for _, piece := range pieces {
			p.add(piece)
		}
	}
	return p.finish()
}

type packer struct {
	limit int
	out   []string
	buf   strings.Builder
	size  int
	// glue is false while the buffer holds only a raw prefix that already
	// supplies its own trailing separator.
	glue bool
}

func (p *packer) raw(s string) {
	if p.size > 0 && p.size+length(s) > p.limit {
		p.flush()
	}
	p.buf.WriteString(s)
	p.size += length(s)
	p.glue = !strings.HasSuffix(s, "\n")
}

func (p *packer) add(s string) {
	sep := 0
	if p.size > 0 && p.glue {
		sep = 1
	}
	if p.size > 0 && p.size+sep+length(s) > p.limit {
		p.flush()
		sep = 0
	}
	if sep == 1 {
		p.buf.WriteByte('\n')
	}
	p.buf.WriteString(s)
	p.size += sep + length(s)
	p.glue = true
}

func (p *packer) flush() {
	if p.size == 0 {
		return
	}
	p.out = append(p.out, p.buf.String())
	p.buf.Reset()
	p.size = 0
	p.glue = false
}

func (p *packer) finish() []string {
	p.flush()
	return p.out
}

// splitCode cuts an oversized fenced code block between lines and wraps
// every chunk in the block's fences so each renders on its own.
func splitCode(block string, limit int) []string {
	lines := strings.Split(block, "\n")
	trailing := 0
	for len(lines) > 1 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
		trailing++
	}

	open := lines[0]
	prefix, fence := nestedFence(open)
	if fence == "" {
		return hardSplit(block, limit)
	}
	body := lines[1:]
	closing := prefix + fence
	if n := len(body); n > 0 && closes(body[n-1], prefix, fence) {
		closing = body[n-1]
		body = body[:n-1]
	}

	overhead := length(open) + length(closing) + 2
	room := limit - overhead
	if room <= 0 {
		return hardSplit(block, limit)
	}

	var chunks []string
	var cur []string
	size := 0
	emit := func() {
		chunks = append(chunks, open+"\n"+strings.Join(cur, "\n")+"\n"+closing)
		cur = nil
		size = 0
	}
	for _, line := range body {
		for _, piece := range hardSplit(line, room) {
			add := length(piece)
			if len(cur) > 0 {
				add++
			}
			if len(cur) > 0 && size+add > room {
				emit()
				add = length(piece)
			}
			cur = append(cur, piece)
			size += add
		}
	}
	if len(cur) > 0 || len(chunks) == 0 {
		emit()
	}
	if trailing > 0 {
		chunks[len(chunks)-1] += strings.Repeat("\n", trailing)
		if length(chunks[len(chunks)-1]) > limit {
			chunks[len(chunks)-1] = strings.TrimRight(chunks[len(chunks)-1], "\n")
		}
	}
	return chunks
}

// splitNested splits an oversized list item or quote. Fenced code blocks
// inside it keep their container prefix and are re-fenced like top-level
// code; the remaining lines are hard split.
func splitNested(s string, limit int) []string {
	lines := strings.Split(s, "\n")
	var out, text []string
	flushText := func() {
		if len(text) > 0 {
			out = append(out, hardSplit(strings.Join(text, "\n"), limit)...)
			text = nil
		}
	}
	for i := 0; i < len(lines); i++ {
		prefix, fence := nestedFence(lines[i])
		if fence == "" {
			text = append(text, lines[i])
			continue
		}
		end := i + 1
		for end < len(lines) && !closes(lines[end], prefix, fence) {
			end++
		}
		if end == len(lines) {
			end--
		}
		flushText()
		block := strings.Join(lines[i:end+1], "\n")
		if length(block) <= limit {
			out = append(out, block)
		} else {
			out = append(out, splitCode(block, limit)...)
		}
		i = end
	}
	flushText()
	return out
}

// nestedFence returns the container prefix (indentation and quote markers)
// of line and the code fence that follows it, if any.
func nestedFence(line string) (prefix, fence string) {
	i := 0
	for i < len(line) && (line[i] == ' ' || line[i] == '>') {
		i++
	}
	return line[:i], fenceOf(line[i:])
}

// closes reports whether line ends a block opened by fence under prefix.
func closes(line, prefix, fence string) bool {
	p, f := nestedFence(line)
	if f == "" || f[0] != fence[0] || len(f) < len(fence) {
		return false
	}
	return strings.TrimRight(p, " ") == strings.TrimRight(prefix, " ")
}

func fenceOf(line string) string {
	trimmed := strings.TrimLeft(line, " ")
	if trimmed == "" {
		return ""
	}
	ch := trimmed[0]
	if ch != '`' && ch != '~' {
		return ""
	}
	n := 0
	for n < len(trimmed) && trimmed[n] == ch {
		n++
	}
	if n < 3 {
		return ""
	}
	return trimmed[:n]
}

// hardSplit breaks s between lines, and inside a line only when that line
// alone exceeds limit.
func hardSplit(s string, limit int) []string {
	if length(s) <= limit {
		return []string{s}
	}
	var out, cur []string
	size := 0
	flush := func() {
		if len(cur) > 0 {
			out = append(out, strings.Join(cur, "\n"))
			cur = nil
			size = 0
		}
	}
	for _, line := range strings.Split(s, "\n") {
		if length(line) > limit {
			flush()
			pieces := splitRunes(line, limit)
			out = append(out, pieces[:len(pieces)-1]...)
			line = pieces[len(pieces)-1]
		}
		add := length(line)
		if len(cur) > 0 {
			add++
		}
		if len(cur) > 0 && size+add > limit {
			flush()
			add = length(line)
		}
		cur = append(cur, line)
		size += add
	}
	flush()
	return out
}

func splitRunes(s string, limit int) []string {
	var out []string
	for length(s) > limit {
		cut := 0
		for i := 0; i < limit; i++ {
			_, w := utf8.DecodeRuneInString(s[cut:])
			cut += w
		}
		out = append(out, s[:cut])
		s = s[cut:]
	}
	return append(out, s)
}

func length(s string) int {
	return utf8.RuneCountInString(s)
}
