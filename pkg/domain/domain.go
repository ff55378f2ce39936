// Package domain provides the shared building blocks of the bridge's
// bounded contexts: identities, thread keys, and timestamps.
package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewID generates a random identifier for runs and message handles.
func NewID() string {
	return uuid.NewString()
}

// Now returns the current UTC time. All persisted timestamps are UTC.
func Now() time.Time { return time.Now().UTC() }

// ---------------------------------------------------------------------------
// Thread key
// ---------------------------------------------------------------------------

// ThreadKey identifies one conversation thread: a channel plus the timestamp
// of the thread's root message. A root message that has not spawned a thread
// yet uses its own ts, so the key exists before Slack considers the thread
// created. This is also the scope of the per-thread lock.
type ThreadKey struct {
	Channel  string `json:"channel"`
	ThreadTS string `json:"thread_ts"`
}

// NewThreadKey builds the key for a message. threadTS is the parent ts for
// replies; for root messages pass the message's own ts.
func NewThreadKey(channel, threadTS string) ThreadKey {
	return ThreadKey{Channel: channel, ThreadTS: threadTS}
}

// String renders the canonical "channel:ts" form used as a storage key.
func (k ThreadKey) String() string {
	return k.Channel + ":" + k.ThreadTS
}

// IsZero reports whether the key is unset.
func (k ThreadKey) IsZero() bool {
	return k.Channel == "" || k.ThreadTS == ""
}

// channelScopeTS is the sentinel thread ts for channel-level state.
const channelScopeTS = "channel"

// ChannelScopeKey builds the key for channel-level state that is not tied
// to any particular thread. Slash commands carry no thread_ts, so their
// session lives under this key.
func ChannelScopeKey(channel string) ThreadKey {
	return ThreadKey{Channel: channel, ThreadTS: channelScopeTS}
}

// IsChannelScope reports whether the key is a channel-scope sentinel
// rather than a real thread. Messages for such keys post to the channel
// root instead of a thread.
func (k ThreadKey) IsChannelScope() bool {
	return k.ThreadTS == channelScopeTS
}

// ParseThreadKey is the inverse of String.
func ParseThreadKey(s string) (ThreadKey, error) {
	channel, ts, ok := strings.Cut(s, ":")
	if !ok || channel == "" || ts == "" {
		return ThreadKey{}, fmt.Errorf("malformed thread key %q", s)
	}
	return ThreadKey{Channel: channel, ThreadTS: ts}, nil
}
