package slack

import (
	"encoding/json"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/richardliang/takopi-slack-plugin/pkg/bus"
	"github.com/richardliang/takopi-slack-plugin/pkg/logger"
)

const dedupeTTL = 5 * time.Minute

var mentionPattern = regexp.MustCompile(`<@([A-Z0-9]+)(\|[^>]+)?>`)

// Normalizer converts raw Socket Mode frames into the canonical inbound
// event variants and publishes them on the queue. Unknown frame shapes are
// dropped with a warning, never raised. Repeat deliveries of the same
// platform event id are no-ops.
type Normalizer struct {
	queue     *bus.Queue
	channelID string
	botUserID string

	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

// NewNormalizer creates a normalizer bound to one channel. botUserID is
// the bridge's own identity, used to strip mentions and drop self-echo.
func NewNormalizer(queue *bus.Queue, channelID, botUserID string) *Normalizer {
	return &Normalizer{
		queue:     queue,
		channelID: channelID,
		botUserID: botUserID,
		seen:      make(map[string]time.Time),
		now:       time.Now,
	}
}

// HandleFrame implements FrameHandler.
func (n *Normalizer) HandleFrame(env Envelope) {
	switch env.Type {
	case "events_api":
		n.handleEventsAPI(env.Payload)
	case "slash_commands":
		n.handleSlashCommand(env.Payload)
	case "interactive":
		n.handleInteractive(env.Payload)
	default:
		logger.WarnCF("normalizer", "unknown frame shape dropped", map[string]interface{}{
			"type": env.Type,
		})
	}
}

// duplicate records id in the bounded recent-id cache and reports whether
// it was already present. Expired entries are pruned on insert.
func (n *Normalizer) duplicate(id string) bool {
	if id == "" {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	now := n.now()
	for k, at := range n.seen {
		if now.Sub(at) > dedupeTTL {
			delete(n.seen, k)
		}
	}
	if _, ok := n.seen[id]; ok {
		return true
	}
	n.seen[id] = now
	return false
}

// ---------------------------------------------------------------------------
// events_api frames — messages and mentions
// ---------------------------------------------------------------------------

type eventsAPIPayload struct {
	EventID string `json:"event_id"`
	Event   struct {
		Type     string `json:"type"`
		Channel  string `json:"channel"`
		User     string `json:"user"`
		BotID    string `json:"bot_id"`
		Subtype  string `json:"subtype"`
		Text     string `json:"text"`
		TS       string `json:"ts"`
		ThreadTS string `json:"thread_ts"`
	} `json:"event"`
}

func (n *Normalizer) handleEventsAPI(raw json.RawMessage) {
	var payload eventsAPIPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		logger.WarnC("normalizer", "malformed events_api payload dropped")
		return
	}
	ev := payload.Event
	switch ev.Type {
	case "message", "app_mention":
	default:
		logger.DebugCF("normalizer", "ignoring event type", map[string]interface{}{
			"type": ev.Type,
		})
		return
	}
	if ev.Channel != n.channelID {
		return
	}
	if n.shouldSkip(ev.TS, ev.User, ev.BotID, ev.Subtype, ev.Text) {
		return
	}
	if n.duplicate(payload.EventID) {
		return
	}

	text := n.stripMention(ev.Text)
	if text == "" {
		return
	}
	n.queue.Publish(bus.Message{
		ID:       payload.EventID,
		Channel:  ev.Channel,
		User:     ev.User,
		Text:     text,
		TS:       ev.TS,
		ThreadTS: ev.ThreadTS,
	})
}

// shouldSkip applies the self/bot/system filters: no ts, message subtypes
// (edits, joins), bot-authored messages, and the bridge's own output.
func (n *Normalizer) shouldSkip(ts, user, botID, subtype, text string) bool {
	if ts == "" || subtype != "" || botID != "" || user == "" {
		return true
	}
	if n.botUserID != "" && user == n.botUserID {
		return true
	}
	return text == ""
}

// stripMention removes the bot's own mention tokens and trims the result.
// Mentions of other users are left intact for the directive parser.
func (n *Normalizer) stripMention(text string) string {
	cleaned := mentionPattern.ReplaceAllStringFunc(text, func(tok string) string {
		sub := mentionPattern.FindStringSubmatch(tok)
		if len(sub) > 1 && sub[1] == n.botUserID {
			return ""
		}
		return tok
	})
	return strings.TrimSpace(cleaned)
}

// ---------------------------------------------------------------------------
// slash_commands frames
// ---------------------------------------------------------------------------

type slashCommandPayload struct {
	Command     string `json:"command"`
	Text        string `json:"text"`
	ChannelID   string `json:"channel_id"`
	UserID      string `json:"user_id"`
	TriggerID   string `json:"trigger_id"`
	ResponseURL string `json:"response_url"`
}

func (n *Normalizer) handleSlashCommand(raw json.RawMessage) {
	var payload slashCommandPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		logger.WarnC("normalizer", "malformed slash_commands payload dropped")
		return
	}
	if payload.ChannelID != n.channelID {
		return
	}
	if n.duplicate(payload.TriggerID) {
		return
	}
	n.queue.Publish(bus.SlashCommand{
		ID:          payload.TriggerID,
		Channel:     payload.ChannelID,
		User:        payload.UserID,
		Command:     payload.Command,
		Args:        strings.TrimSpace(payload.Text),
		TriggerID:   payload.TriggerID,
		ResponseURL: payload.ResponseURL,
	})
}

// ---------------------------------------------------------------------------
// interactive frames — shortcuts and block actions
// ---------------------------------------------------------------------------

type interactivePayload struct {
	Type       string `json:"type"`
	TriggerID  string `json:"trigger_id"`
	CallbackID string `json:"callback_id"`
	User       struct {
		ID string `json:"id"`
	} `json:"user"`
	Channel struct {
		ID string `json:"id"`
	} `json:"channel"`
	Message struct {
		TS       string `json:"ts"`
		ThreadTS string `json:"thread_ts"`
		Text     string `json:"text"`
	} `json:"message"`
	Actions []struct {
		ActionID string `json:"action_id"`
		Value    string `json:"value"`
	} `json:"actions"`
}

func (n *Normalizer) handleInteractive(raw json.RawMessage) {
	var payload interactivePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		logger.WarnC("normalizer", "malformed interactive payload dropped")
		return
	}
	if payload.Channel.ID != "" && payload.Channel.ID != n.channelID {
		return
	}
	if n.duplicate(payload.TriggerID) {
		return
	}

	switch payload.Type {
	case "message_action", "shortcut":
		n.queue.Publish(bus.Shortcut{
			ID:          payload.TriggerID,
			Channel:     payload.Channel.ID,
			User:        payload.User.ID,
			MessageText: n.stripMention(payload.Message.Text),
			MessageTS:   payload.Message.TS,
			ThreadTS:    payload.Message.ThreadTS,
			CallbackID:  payload.CallbackID,
			TriggerID:   payload.TriggerID,
		})
	case "block_actions":
		if len(payload.Actions) == 0 {
			return
		}
		action := payload.Actions[0]
		n.queue.Publish(bus.BlockAction{
			ID:        payload.TriggerID,
			Channel:   payload.Channel.ID,
			User:      payload.User.ID,
			ActionID:  action.ActionID,
			Value:     action.Value,
			MessageTS: payload.Message.TS,
			ThreadTS:  payload.Message.ThreadTS,
			TriggerID: payload.TriggerID,
		})
	default:
		logger.WarnCF("normalizer", "unknown interactive shape dropped", map[string]interface{}{
			"type": payload.Type,
		})
	}
}
