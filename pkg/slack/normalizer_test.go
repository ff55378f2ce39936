package slack

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richardliang/takopi-slack-plugin/pkg/bus"
)

func newTestNormalizer(t *testing.T) (*Normalizer, *bus.Queue) {
	t.Helper()
	q := bus.NewQueue(16)
	return NewNormalizer(q, "C1", "UBOT"), q
}

func drain(t *testing.T, q *bus.Queue) []bus.InboundEvent {
	t.Helper()
	var out []bus.InboundEvent
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		ev, ok := q.Consume(ctx)
		cancel()
		if !ok {
			return out
		}
		out = append(out, ev)
	}
}

func messageFrame(eventID, channel, user, text, ts, threadTS string) Envelope {
	payload, _ := json.Marshal(map[string]interface{}{
		"event_id": eventID,
		"event": map[string]interface{}{
			"type":      "message",
			"channel":   channel,
			"user":      user,
			"text":      text,
			"ts":        ts,
			"thread_ts": threadTS,
		},
	})
	return Envelope{EnvelopeID: "env-" + eventID, Type: "events_api", Payload: payload}
}

func TestNormalizeMessage(t *testing.T) {
	n, q := newTestNormalizer(t)

	n.HandleFrame(messageFrame("E1", "C1", "U1", "<@UBOT> /takopi @main fix it", "1.0", ""))

	events := drain(t, q)
	require.Len(t, events, 1)
	msg, ok := events[0].(bus.Message)
	require.True(t, ok)
	assert.Equal(t, "E1", msg.ID)
	assert.Equal(t, "/takopi @main fix it", msg.Text)
	assert.Equal(t, "1.0", msg.TS)
	assert.False(t, msg.IsReply())
}

func TestDuplicateEventIDIsNoop(t *testing.T) {
	n, q := newTestNormalizer(t)

	frame := messageFrame("E1", "C1", "U1", "hello", "1.0", "")
	n.HandleFrame(frame)
	n.HandleFrame(frame)

	assert.Len(t, drain(t, q), 1)
}

func TestDedupCacheExpires(t *testing.T) {
	n, q := newTestNormalizer(t)
	now := time.Now()
	n.now = func() time.Time { return now }

	n.HandleFrame(messageFrame("E1", "C1", "U1", "hello", "1.0", ""))
	now = now.Add(dedupeTTL + time.Second)
	n.HandleFrame(messageFrame("E1", "C1", "U1", "hello", "1.0", ""))

	assert.Len(t, drain(t, q), 2)
}

func TestSkipRules(t *testing.T) {
	tests := []struct {
		name  string
		event map[string]interface{}
	}{
		{"other channel", map[string]interface{}{
			"type": "message", "channel": "C999", "user": "U1", "text": "hi", "ts": "1.0",
		}},
		{"own message", map[string]interface{}{
			"type": "message", "channel": "C1", "user": "UBOT", "text": "hi", "ts": "1.0",
		}},
		{"bot message", map[string]interface{}{
			"type": "message", "channel": "C1", "user": "U1", "bot_id": "B1", "text": "hi", "ts": "1.0",
		}},
		{"subtype message", map[string]interface{}{
			"type": "message", "channel": "C1", "user": "U1", "subtype": "message_changed", "text": "hi", "ts": "1.0",
		}},
		{"no user", map[string]interface{}{
			"type": "message", "channel": "C1", "text": "hi", "ts": "1.0",
		}},
		{"no ts", map[string]interface{}{
			"type": "message", "channel": "C1", "user": "U1", "text": "hi",
		}},
		{"empty text", map[string]interface{}{
			"type": "message", "channel": "C1", "user": "U1", "text": "", "ts": "1.0",
		}},
		{"mention only", map[string]interface{}{
			"type": "app_mention", "channel": "C1", "user": "U1", "text": "<@UBOT>", "ts": "1.0",
		}},
		{"non-message event type", map[string]interface{}{
			"type": "reaction_added", "channel": "C1", "user": "U1", "text": "hi", "ts": "1.0",
		}},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, q := newTestNormalizer(t)
			payload, _ := json.Marshal(map[string]interface{}{
				"event_id": "E" + string(rune('a'+i)),
				"event":    tt.event,
			})
			n.HandleFrame(Envelope{Type: "events_api", Payload: payload})
			assert.Empty(t, drain(t, q))
		})
	}
}

func TestStripMentionKeepsOtherUsers(t *testing.T) {
	n, _ := newTestNormalizer(t)
	got := n.stripMention("<@UBOT|takopi> ask <@UOTHER> about it")
	assert.Equal(t, "ask <@UOTHER> about it", got)
}

func TestUnknownFrameShapeDropped(t *testing.T) {
	n, q := newTestNormalizer(t)
	n.HandleFrame(Envelope{Type: "mystery", Payload: json.RawMessage(`{}`)})
	n.HandleFrame(Envelope{Type: "events_api", Payload: json.RawMessage(`not json`)})
	assert.Empty(t, drain(t, q))
}

func TestNormalizeSlashCommand(t *testing.T) {
	n, q := newTestNormalizer(t)
	payload, _ := json.Marshal(map[string]interface{}{
		"command":    "/takopi",
		"text":       "  engine codex  ",
		"channel_id": "C1",
		"user_id":    "U1",
		"trigger_id": "T1",
	})
	n.HandleFrame(Envelope{Type: "slash_commands", Payload: payload})

	events := drain(t, q)
	require.Len(t, events, 1)
	cmd, ok := events[0].(bus.SlashCommand)
	require.True(t, ok)
	assert.Equal(t, "/takopi", cmd.Command)
	assert.Equal(t, "engine codex", cmd.Args)
	assert.Equal(t, "U1", cmd.User)
}

func TestNormalizeBlockAction(t *testing.T) {
	n, q := newTestNormalizer(t)
	payload, _ := json.Marshal(map[string]interface{}{
		"type":       "block_actions",
		"trigger_id": "T1",
		"user":       map[string]string{"id": "U1"},
		"channel":    map[string]string{"id": "C1"},
		"message":    map[string]string{"ts": "5.0", "thread_ts": "1.0"},
		"actions": []map[string]string{
			{"action_id": "cancel_run", "value": "run-1"},
		},
	})
	n.HandleFrame(Envelope{Type: "interactive", Payload: payload})

	events := drain(t, q)
	require.Len(t, events, 1)
	action, ok := events[0].(bus.BlockAction)
	require.True(t, ok)
	assert.Equal(t, "cancel_run", action.ActionID)
	assert.Equal(t, "run-1", action.Value)
	assert.Equal(t, "5.0", action.MessageTS)
	assert.Equal(t, "1.0", action.ThreadTS)
}

func TestNormalizeShortcut(t *testing.T) {
	n, q := newTestNormalizer(t)
	payload, _ := json.Marshal(map[string]interface{}{
		"type":        "message_action",
		"trigger_id":  "T1",
		"callback_id": "takopi_review",
		"user":        map[string]string{"id": "U1"},
		"channel":     map[string]string{"id": "C1"},
		"message":     map[string]string{"ts": "5.0", "text": "please check this"},
	})
	n.HandleFrame(Envelope{Type: "interactive", Payload: payload})

	events := drain(t, q)
	require.Len(t, events, 1)
	sc, ok := events[0].(bus.Shortcut)
	require.True(t, ok)
	assert.Equal(t, "takopi_review", sc.CallbackID)
	assert.Equal(t, "please check this", sc.MessageText)
	assert.Equal(t, "5.0", sc.MessageTS)
}
