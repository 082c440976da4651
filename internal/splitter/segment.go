package splitter

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Kind tags the markdown construct a Segment was cut from.
type Kind int

const (
	KindText Kind = iota
	KindHeading
	KindParagraph
	KindListItem
	KindQuote
	KindCode
	KindHTML
	KindBreak
)

func (k Kind) String() string {
	switch k {
	case KindHeading:
		return "heading"
	case KindParagraph:
		return "paragraph"
	case KindListItem:
		return "list-item"
	case KindQuote:
		return "quote"
	case KindCode:
		return "code"
	case KindHTML:
		return "html"
	case KindBreak:
		return "break"
	default:
		return "text"
	}
}

// Segment is an atomic slice of the source document. Joining the Text of
// all segments from Parse with "\n" reproduces the source exactly.
type Segment struct {
	Kind Kind
	Text string
}

type boundary struct {
	kind  Kind
	start int
}

// Parse cuts markdown into top-level renderable segments. List items are
// emitted one per segment; every other block stays whole.
func Parse(source string) []Segment {
	if source == "" {
		return nil
	}
	src := []byte(source)
	doc := goldmark.DefaultParser().Parse(text.NewReader(src))

	var bounds []boundary
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		if list, ok := n.(*ast.List); ok {
			for item := list.FirstChild(); item != nil; item = item.NextSibling() {
				bounds = appendBoundary(bounds, src, item, KindListItem)
			}
			continue
		}
		bounds = appendBoundary(bounds, src, n, kindOf(n))
	}

	if len(bounds) == 0 {
		return []Segment{{Kind: KindText, Text: source}}
	}
	bounds[0].start = 0

	segments := make([]Segment, 0, len(bounds))
	for i, b := range bounds {
		end := len(source)
		if i+1 < len(bounds) {
			end = bounds[i+1].start
		}
		chunk := source[b.start:end]
		if i+1 < len(bounds) {
			chunk = strings.TrimSuffix(chunk, "\n")
		}
		segments = append(segments, Segment{Kind: b.kind, Text: chunk})
	}
	return segments
}

func appendBoundary(bounds []boundary, src []byte, n ast.Node, kind Kind) []boundary {
	pos, ok := firstPosition(src, n)
	if !ok {
		// Nodes without source lines (thematic breaks, empty fences) stay
		// attached to the preceding segment.
		return bounds
	}
	start := lineStart(src, pos)
	if _, fenced := n.(*ast.FencedCodeBlock); fenced && !startsWithFence(src[start:]) {
		start = lineStart(src, start-1)
	}
	if len(bounds) > 0 && start <= bounds[len(bounds)-1].start {
		return bounds
	}
	return append(bounds, boundary{kind: kind, start: start})
}

func firstPosition(src []byte, n ast.Node) (int, bool) {
	if fc, ok := n.(*ast.FencedCodeBlock); ok {
		if fc.Info != nil {
			return fc.Info.Segment.Start, true
		}
		if fc.Lines().Len() > 0 {
			return fc.Lines().At(0).Start, true
		}
		return 0, false
	}
	if n.Type() == ast.TypeBlock && n.Lines().Len() > 0 {
		return n.Lines().At(0).Start, true
	}
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		if c.Type() != ast.TypeBlock {
			continue
		}
		if pos, ok := firstPosition(src, c); ok {
			return pos, true
		}
	}
	return 0, false
}

func lineStart(src []byte, pos int) int {
	if pos <= 0 {
		return 0
	}
	if pos > len(src) {
		pos = len(src)
	}
	for pos > 0 && src[pos-1] != '\n' {
		pos--
	}
	return pos
}

func startsWithFence(line []byte) bool {
	trimmed := strings.TrimLeft(string(line), " ")
	return strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~")
}

func kindOf(n ast.Node) Kind {
	switch n.(type) {
	case *ast.Heading:
		return KindHeading
	case *ast.Paragraph:
		return KindParagraph
	case *ast.Blockquote:
		return KindQuote
	case *ast.FencedCodeBlock, *ast.CodeBlock:
		return KindCode
	case *ast.HTMLBlock:
		return KindHTML
	case *ast.ThematicBreak:
		return KindBreak
	default:
		return KindText
	}
}
