package app

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/richardliang/takopi-slack-plugin/pkg/bus"
	"github.com/richardliang/takopi-slack-plugin/pkg/commands"
	"github.com/richardliang/takopi-slack-plugin/pkg/coordinator"
	"github.com/richardliang/takopi-slack-plugin/pkg/directive"
	"github.com/richardliang/takopi-slack-plugin/pkg/domain"
	"github.com/richardliang/takopi-slack-plugin/pkg/interactive"
	"github.com/richardliang/takopi-slack-plugin/pkg/logger"
	"github.com/richardliang/takopi-slack-plugin/pkg/outbox"
)

const dispatchWorkers = 4

// Dispatcher drains the inbound queue on a fixed worker pool so a slow
// run never stalls ingestion. Routing is per event type; per-thread
// ordering is enforced downstream by the coordinator's keyed locks, not
// by worker assignment.
type Dispatcher struct {
	queue    *bus.Queue
	coord    *coordinator.Coordinator
	commands *commands.Router
	actions  *interactive.Handler
	outbox   *outbox.Outbox
}

func NewDispatcher(queue *bus.Queue, coord *coordinator.Coordinator, cmds *commands.Router, actions *interactive.Handler, ob *outbox.Outbox) *Dispatcher {
	return &Dispatcher{
		queue:    queue,
		coord:    coord,
		commands: cmds,
		actions:  actions,
		outbox:   ob,
	}
}

// Run consumes events until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < dispatchWorkers; i++ {
		g.Go(func() error {
			for {
				ev, ok := d.queue.Consume(ctx)
				if !ok {
					return ctx.Err()
				}
				d.dispatch(ctx, ev)
			}
		})
	}
	return g.Wait()
}

func (d *Dispatcher) dispatch(ctx context.Context, ev bus.InboundEvent) {
	switch e := ev.(type) {
	case bus.Message:
		d.handleMessage(ctx, e)
	case bus.SlashCommand:
		d.commands.HandleSlash(ctx, e)
	case bus.Shortcut:
		d.commands.HandleShortcut(ctx, e)
	case bus.BlockAction:
		d.actions.HandleAction(ctx, e)
	}
}

func (d *Dispatcher) handleMessage(ctx context.Context, msg bus.Message) {
	parsed := directive.Parse(msg.Text)

	threadTS := msg.ThreadTS
	if threadTS == "" {
		// A root message anchors its own thread; the lock key exists
		// before Slack considers the thread created.
		threadTS = msg.TS
	}
	key := domain.NewThreadKey(msg.Channel, threadTS)

	if !msg.IsReply() && !parsed.Found {
		// Not directed at the bridge. Deliberate silence: no reply, no
		// session, no run.
		logger.DebugCF("dispatch", "root message without directive ignored", map[string]interface{}{
			"ts": msg.TS,
		})
		return
	}

	req := coordinator.StartRequest{
		Key:    key,
		UserID: msg.User,
		Prompt: parsed.Prompt,
	}
	if parsed.Found {
		dir := parsed.Directive
		req.Directive = &dir
	}

	err := d.coord.Start(ctx, req)
	switch {
	case err == nil:
	case errors.Is(err, coordinator.ErrThreadBusy):
		d.outbox.Send(outbox.Destination{Channel: msg.Channel, ThreadTS: threadTS}, outbox.KindError,
			"a run is already active in this thread — wait for it to finish or cancel it")
	case errors.Is(err, coordinator.ErrNoSession):
		// A reply in a thread the bridge never owned. Stay silent, same as
		// an undirected root message.
		logger.DebugCF("dispatch", "reply without session ignored", map[string]interface{}{
			"thread": key.String(),
		})
	default:
		logger.ErrorCF("dispatch", "run not started", map[string]interface{}{
			"thread": key.String(),
			"error":  err.Error(),
		})
		d.outbox.Send(outbox.Destination{Channel: msg.Channel, ThreadTS: threadTS}, outbox.KindError,
			"could not start the run: "+err.Error())
	}
}
