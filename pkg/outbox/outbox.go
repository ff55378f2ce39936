// Package outbox serializes and rate-limits outbound Slack operations.
// Operations targeting the same destination (channel, or channel+thread)
// run strictly in submission order on a single worker, because Slack
// treats rapid writes to one conversation as a single rate-limited
// resource. Messages are addressed by stable handles so progress updates
// edit one message instead of flooding the thread.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/richardliang/takopi-slack-plugin/pkg/domain"
	"github.com/richardliang/takopi-slack-plugin/pkg/logger"
)

// Kind labels what an outbound message carries.
type Kind string

const (
	KindProgress Kind = "progress"
	KindResult   Kind = "result"
	KindError    Kind = "error"
	KindReminder Kind = "reminder"
)

// Control is an interactive button attached to a message.
type Control struct {
	ActionID string
	Label    string
	Value    string
	Danger   bool
}

// Destination addresses a channel or a thread within it.
type Destination struct {
	Channel  string
	ThreadTS string // empty posts to the channel root
}

func (d Destination) key() string {
	return d.Channel + ":" + d.ThreadTS
}

// Handle is a stable reference to a sent message, reusable for edit/delete.
type Handle string

// RateLimitedError reports a platform back-off demand. The outbox honors
// it internally; callers never see it.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// ErrStaleHandle means the referenced message no longer exists.
var ErrStaleHandle = errors.New("stale message handle")

// API is the messaging surface the outbox drives. Implementations translate
// platform rate-limit responses into *RateLimitedError and vanished-message
// responses into ErrStaleHandle.
type API interface {
	PostMessage(ctx context.Context, channel, threadTS, text string, controls []Control) (ts string, err error)
	UpdateMessage(ctx context.Context, channel, ts, text string, controls []Control) error
	DeleteMessage(ctx context.Context, channel, ts string) error
	PostEphemeral(ctx context.Context, channel, user, text string) error
}

// ---------------------------------------------------------------------------
// Outbox
// ---------------------------------------------------------------------------

type opType int

const (
	opSend opType = iota
	opEdit
	opDelete
	opEphemeral
)

type op struct {
	typ      opType
	handle   Handle
	dest     Destination
	kind     Kind
	text     string
	controls []Control
	user     string // ephemeral target
	sent     int    // chunks of a split send already delivered
	done     chan struct{}
	err      error
}

type handleState struct {
	dest    Destination
	ts      string
	text    string // most recently submitted content
	deleted bool
}

type destQueue struct {
	mu      sync.Mutex
	ops     []*op
	running bool
}

// Outbox owns one FIFO worker per destination plus a token bucket per
// destination. Handles remain valid across reconnects; delivery retries
// transparently on rate limits.
type Outbox struct {
	api      API
	renderer Renderer

	mu       sync.Mutex
	dests    map[string]*destQueue
	limiters map[string]*rate.Limiter
	handles  map[Handle]*handleState
	byTS     map[string]Handle // "channel:ts" -> handle
	wg       sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an outbox delivering through api with the given overflow
// renderer.
func New(api API, renderer Renderer) *Outbox {
	ctx, cancel := context.WithCancel(context.Background())
	return &Outbox{
		api:      api,
		renderer: renderer,
		dests:    make(map[string]*destQueue),
		limiters: make(map[string]*rate.Limiter),
		handles:  make(map[Handle]*handleState),
		byTS:     make(map[string]Handle),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Send enqueues a message and returns its handle immediately. Delivery is
// asynchronous but strictly ordered within the destination.
func (o *Outbox) Send(dest Destination, kind Kind, text string, controls ...Control) Handle {
	h := Handle(domain.NewID())
	o.mu.Lock()
	o.handles[h] = &handleState{dest: dest, text: text}
	o.mu.Unlock()
	o.enqueue(&op{typ: opSend, handle: h, dest: dest, kind: kind, text: text, controls: controls})
	return h
}

// Edit replaces the content of a previously sent message. A pending edit
// for the same handle that has not executed yet is superseded in place, so
// bursts of progress updates collapse to the newest content without losing
// queue position. Editing a deleted handle fails with ErrStaleHandle.
func (o *Outbox) Edit(h Handle, text string, controls ...Control) error {
	o.mu.Lock()
	st, ok := o.handles[h]
	if !ok || st.deleted {
		o.mu.Unlock()
		return ErrStaleHandle
	}
	st.text = text
	dest := st.dest
	o.mu.Unlock()

	q := o.queueFor(dest)
	q.mu.Lock()
	for _, pending := range q.ops {
		if pending.typ == opEdit && pending.handle == h {
			pending.text = text
			pending.controls = controls
			q.mu.Unlock()
			return nil
		}
	}
	q.mu.Unlock()

	o.enqueue(&op{typ: opEdit, handle: h, dest: dest, text: text, controls: controls})
	return nil
}

// Delete removes a message. Unknown or already-deleted handles are a no-op.
func (o *Outbox) Delete(h Handle) {
	o.mu.Lock()
	st, ok := o.handles[h]
	if !ok || st.deleted {
		o.mu.Unlock()
		return
	}
	st.deleted = true
	dest := st.dest
	o.mu.Unlock()
	o.enqueue(&op{typ: opDelete, handle: h, dest: dest})
}

// SendEphemeral delivers a message visible only to user, e.g. usage errors.
func (o *Outbox) SendEphemeral(dest Destination, user, text string) {
	o.enqueue(&op{typ: opEphemeral, dest: dest, user: user, text: text})
}

// LookupByTS maps a platform message timestamp back to the handle the
// outbox issued for it. Used by the interactive handler to resolve button
// clicks against outbox-owned messages.
func (o *Outbox) LookupByTS(channel, ts string) (Handle, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	h, ok := o.byTS[channel+":"+ts]
	return h, ok
}

// LastText reports the most recently submitted content for a handle. The
// interactive handler uses it to append an outcome note to a message
// without discarding its content.
func (o *Outbox) LastText(h Handle) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.handles[h]
	if !ok || st.deleted {
		return "", false
	}
	return st.text, true
}

// MessageTS reports the delivered timestamp for a handle, once known.
func (o *Outbox) MessageTS(h Handle) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.handles[h]
	if !ok || st.ts == "" {
		return "", false
	}
	return st.ts, true
}

// Flush blocks until every queued operation has executed. Used on shutdown
// and by tests.
func (o *Outbox) Flush() {
	o.wg.Wait()
}

// Close stops delivery. Queued operations are abandoned.
func (o *Outbox) Close() {
	o.cancel()
}

// ---------------------------------------------------------------------------
// Delivery
// ---------------------------------------------------------------------------

func (o *Outbox) queueFor(dest Destination) *destQueue {
	o.mu.Lock()
	defer o.mu.Unlock()
	q, ok := o.dests[dest.key()]
	if !ok {
		q = &destQueue{}
		o.dests[dest.key()] = q
	}
	return q
}

func (o *Outbox) limiterFor(dest Destination) *rate.Limiter {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.limiters[dest.key()]
	if !ok {
		// Slack chat.* sits around one write per second per conversation.
		l = rate.NewLimiter(rate.Limit(1), 3)
		o.limiters[dest.key()] = l
	}
	return l
}

func (o *Outbox) enqueue(item *op) {
	item.done = make(chan struct{})
	q := o.queueFor(item.dest)
	o.wg.Add(1)
	q.mu.Lock()
	q.ops = append(q.ops, item)
	if !q.running {
		q.running = true
		go o.drain(q, item.dest)
	}
	q.mu.Unlock()
}

func (o *Outbox) drain(q *destQueue, dest Destination) {
	for {
		q.mu.Lock()
		if len(q.ops) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		item := q.ops[0]
		q.ops = q.ops[1:]
		q.mu.Unlock()

		o.execute(item, dest)
		close(item.done)
		o.wg.Done()
	}
}

// execute runs one operation, honoring the token bucket and retrying the
// same operation on platform back-off. It never reorders around a rate
// limit.
func (o *Outbox) execute(item *op, dest Destination) {
	limiter := o.limiterFor(dest)
	for {
		if err := limiter.Wait(o.ctx); err != nil {
			item.err = err
			return
		}
		err := o.executeOnce(item)
		var rl *RateLimitedError
		if errors.As(err, &rl) {
			logger.InfoCF("outbox", "rate limited", map[string]interface{}{
				"destination": dest.key(),
				"retry_after": rl.RetryAfter.String(),
			})
			select {
			case <-time.After(rl.RetryAfter):
				continue
			case <-o.ctx.Done():
				item.err = o.ctx.Err()
				return
			}
		}
		if err != nil {
			logger.ErrorCF("outbox", "operation failed", map[string]interface{}{
				"destination": dest.key(),
				"error":       err.Error(),
			})
		}
		item.err = err
		return
	}
}

func (o *Outbox) executeOnce(item *op) error {
	switch item.typ {
	case opSend:
		return o.executeSend(item)
	case opEdit:
		return o.executeEdit(item)
	case opDelete:
		return o.executeDelete(item)
	case opEphemeral:
		return o.api.PostEphemeral(o.ctx, item.dest.Channel, item.user, item.text)
	}
	return nil
}

func (o *Outbox) executeSend(item *op) error {
	first, followups := o.renderer.RenderSend(item.text)
	chunks := append([]string{first}, followups...)
	// Overflow followups stay in order behind the first chunk; they share
	// the destination worker so nothing interleaves. item.sent survives a
	// rate-limited retry, so already-delivered chunks are never re-posted.
	for item.sent < len(chunks) {
		chunk := chunks[item.sent]
		if item.sent == 0 {
			ts, err := o.api.PostMessage(o.ctx, item.dest.Channel, item.dest.ThreadTS, chunk, item.controls)
			if err != nil {
				return err
			}
			o.mu.Lock()
			if st, ok := o.handles[item.handle]; ok {
				st.ts = ts
				o.byTS[item.dest.Channel+":"+ts] = item.handle
			}
			o.mu.Unlock()
		} else if _, err := o.api.PostMessage(o.ctx, item.dest.Channel, item.dest.ThreadTS, chunk, nil); err != nil {
			return err
		}
		item.sent++
	}
	return nil
}

func (o *Outbox) executeEdit(item *op) error {
	o.mu.Lock()
	st, ok := o.handles[item.handle]
	if !ok || st.deleted || st.ts == "" {
		o.mu.Unlock()
		return ErrStaleHandle
	}
	ts := st.ts
	o.mu.Unlock()

	// Edits cannot grow extra messages, so oversized content always trims.
	err := o.api.UpdateMessage(o.ctx, item.dest.Channel, ts, o.renderer.RenderEdit(item.text), item.controls)
	if errors.Is(err, ErrStaleHandle) {
		o.mu.Lock()
		st.deleted = true
		o.mu.Unlock()
	}
	return err
}

func (o *Outbox) executeDelete(item *op) error {
	o.mu.Lock()
	st, ok := o.handles[item.handle]
	if !ok || st.ts == "" {
		o.mu.Unlock()
		return nil
	}
	ts := st.ts
	o.mu.Unlock()

	err := o.api.DeleteMessage(o.ctx, item.dest.Channel, ts)
	if errors.Is(err, ErrStaleHandle) {
		// Already gone — deleting twice lands in the same end state.
		return nil
	}
	return err
}
