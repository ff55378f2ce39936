package outbox

import "unicode/utf8"

// OverflowPolicy decides what happens to content beyond the platform's
// message size limit.
type OverflowPolicy string

const (
	// OverflowSplit emits ordered follow-up messages for the remainder.
	OverflowSplit OverflowPolicy = "split"
	// OverflowTrim truncates with a visible marker.
	OverflowTrim OverflowPolicy = "trim"
)

const trimMarker = "..."

// Renderer shapes outbound text against the size limit.
type Renderer interface {
	// RenderSend returns the first message plus ordered follow-up chunks.
	RenderSend(text string) (first string, followups []string)
	// RenderEdit returns the single replacement text for an edit.
	RenderEdit(text string) string
}

// NewRenderer builds a renderer for the configured policy.
func NewRenderer(policy OverflowPolicy, maxChars int) Renderer {
	if maxChars <= 0 {
		maxChars = 3900
	}
	return &overflowRenderer{policy: policy, maxChars: maxChars}
}

type overflowRenderer struct {
	policy   OverflowPolicy
	maxChars int
}

func (r *overflowRenderer) RenderSend(text string) (string, []string) {
	if len(text) <= r.maxChars {
		return text, nil
	}
	if r.policy == OverflowSplit {
		chunks := splitText(text, r.maxChars)
		return chunks[0], chunks[1:]
	}
	return trimText(text, r.maxChars), nil
}

func (r *overflowRenderer) RenderEdit(text string) string {
	return trimText(text, r.maxChars)
}

func trimText(text string, maxChars int) string {
	if len(text) <= maxChars {
		return text
	}
	if maxChars <= len(trimMarker) {
		return text[:runeBoundary(text, maxChars)]
	}
	return text[:runeBoundary(text, maxChars-len(trimMarker))] + trimMarker
}

func splitText(text string, maxChars int) []string {
	if maxChars <= 0 || len(text) <= maxChars {
		return []string{text}
	}
	var chunks []string
	for start := 0; start < len(text); {
		end := start + maxChars
		if end >= len(text) {
			end = len(text)
		} else if b := runeBoundary(text, end); b > start {
			end = b
		}
		chunks = append(chunks, text[start:end])
		start = end
	}
	return chunks
}

// runeBoundary backs pos up to the start of the rune it falls inside, so a
// byte-budget cut never produces invalid UTF-8.
func runeBoundary(text string, pos int) int {
	for pos > 0 && !utf8.RuneStart(text[pos]) {
		pos--
	}
	return pos
}
