package bus

// InboundEvent is the closed variant set produced by the event normalizer.
// Exactly one concrete type exists per raw frame shape; normalization is
// the only place that discriminates raw payloads.
type InboundEvent interface {
	// EventID is the platform-assigned identifier used for deduplication.
	EventID() string
	isInboundEvent()
}

// Message is a plain channel message or an app mention, with the bot
// mention already stripped from Text.
type Message struct {
	ID       string
	Channel  string
	User     string
	Text     string
	TS       string
	ThreadTS string // empty for a root message
}

// IsReply reports whether the message was posted inside an existing thread.
func (m Message) IsReply() bool { return m.ThreadTS != "" && m.ThreadTS != m.TS }

// SlashCommand is an invocation of the bridge's slash trigger.
type SlashCommand struct {
	ID          string
	Channel     string
	User        string
	Command     string // the trigger, e.g. "/takopi"
	Args        string // raw text after the trigger
	TriggerID   string
	ResponseURL string
}

// Shortcut is a message shortcut; the callback id encodes the target
// plugin command and the referenced message text supplies the arguments.
type Shortcut struct {
	ID          string
	Channel     string
	User        string
	MessageText string
	MessageTS   string
	ThreadTS    string
	CallbackID  string
	TriggerID   string
}

// BlockAction is an interactive button click on a previously sent message.
type BlockAction struct {
	ID        string
	Channel   string
	User      string
	ActionID  string
	Value     string
	MessageTS string // ref to the message carrying the button
	ThreadTS  string
	TriggerID string
}

func (m Message) EventID() string      { return m.ID }
func (c SlashCommand) EventID() string { return c.ID }
func (s Shortcut) EventID() string     { return s.ID }
func (a BlockAction) EventID() string  { return a.ID }

func (Message) isInboundEvent()      {}
func (SlashCommand) isInboundEvent() {}
func (Shortcut) isInboundEvent()     {}
func (BlockAction) isInboundEvent()  {}
