// Package engine defines the execution-engine collaborator contract. The
// engine is an opaque asynchronous task producer: the bridge submits a
// prompt or inline command and consumes a stream of progress, result, and
// error events.
package engine

import "context"

// EventKind discriminates stream events.
type EventKind string

const (
	EventProgress EventKind = "progress"
	EventResult   EventKind = "result"
	EventError    EventKind = "error"
)

// Event is one chunk of the engine's output stream. A Result or Error
// event is terminal; the channel closes after it.
type Event struct {
	Kind EventKind
	// Text is the progress line, final answer, or error description.
	Text string
	// ResumeToken is the opaque token issued with a result, enabling the
	// next run in the thread to continue prior state. The bridge stores
	// it verbatim and never inspects it.
	ResumeToken string
}

// Overrides forwards the per-thread user overrides to the engine.
type Overrides struct {
	Engine    string
	Model     string
	Reasoning string
}

// Request describes one run submission.
type Request struct {
	RunID   string
	Project string
	Branch  string
	// Prompt is the natural-language prompt, or the inline command text
	// when IsCommand is set.
	Prompt    string
	IsCommand bool
	// ResumeToken continues prior conversational/tool state, if present.
	ResumeToken string
	Overrides   Overrides
}

// Runner is the engine collaborator. Submit returns a stream that yields
// zero or more progress events followed by exactly one result or error
// event, then closes. Cancellation is cooperative: Cancel (or canceling
// the submit context) signals intent, and the stream closes once the
// engine stops consuming input — possibly after delayed cleanup the
// bridge does not wait for.
type Runner interface {
	Submit(ctx context.Context, req Request) (<-chan Event, error)
	Cancel(runID string)
}
