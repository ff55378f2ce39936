// Package app wires the bridge together: the container is the composition
// root, the dispatcher feeds normalized events to the routing layer.
package app

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/richardliang/takopi-slack-plugin/pkg/bus"
	"github.com/richardliang/takopi-slack-plugin/pkg/commands"
	"github.com/richardliang/takopi-slack-plugin/pkg/config"
	"github.com/richardliang/takopi-slack-plugin/pkg/coordinator"
	"github.com/richardliang/takopi-slack-plugin/pkg/domain/session"
	wt "github.com/richardliang/takopi-slack-plugin/pkg/domain/worktree"
	"github.com/richardliang/takopi-slack-plugin/pkg/engine"
	"github.com/richardliang/takopi-slack-plugin/pkg/infrastructure/persistence"
	"github.com/richardliang/takopi-slack-plugin/pkg/interactive"
	"github.com/richardliang/takopi-slack-plugin/pkg/keyedlock"
	"github.com/richardliang/takopi-slack-plugin/pkg/logger"
	"github.com/richardliang/takopi-slack-plugin/pkg/outbox"
	"github.com/richardliang/takopi-slack-plugin/pkg/reminder"
	"github.com/richardliang/takopi-slack-plugin/pkg/slack"
	"github.com/richardliang/takopi-slack-plugin/pkg/worktree"
)

const queueCapacity = 256

// ---------------------------------------------------------------------------
// Application container — dependency injection root
// ---------------------------------------------------------------------------

// Container holds every component of the bridge, fully wired. It acts as
// the composition root; no component reaches for ambient globals.
type Container struct {
	Config *config.Config

	Client   *slack.Client
	Queue    *bus.Queue
	Outbox   *outbox.Outbox
	Store    *persistence.SessionStore
	Sessions session.Repository
	Locks    *keyedlock.Map
	Runner   engine.Runner

	Coordinator *coordinator.Coordinator
	Commands    *commands.Router
	Interactive *interactive.Handler
	Worktrees   wt.Manager
	Reminder    *reminder.Scheduler
}

// NewContainer creates a fully wired container from configuration.
func NewContainer(cfg *config.Config) (*Container, error) {
	store, err := persistence.OpenSessionStore(cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}

	locks := keyedlock.NewMap()
	client := slack.NewClient(cfg.BotToken, cfg.AppToken)
	renderer := outbox.NewRenderer(outbox.OverflowPolicy(cfg.MessageOverflow), cfg.MaxMessageChars)
	ob := outbox.New(client, renderer)
	runner := engine.NewExecRunner(cfg.Engine.Command)
	worktrees := worktree.NewFSManager(cfg.WorktreesDir)

	coord := coordinator.New(runner, ob, store, locks, cfg.Engine.Default)
	router := commands.New(store, locks, ob, coord, cfg.Engine.Default)
	actions := interactive.New(coord, worktrees, ob)

	c := &Container{
		Config:      cfg,
		Client:      client,
		Queue:       bus.NewQueue(queueCapacity),
		Outbox:      ob,
		Store:       store,
		Sessions:    store,
		Locks:       locks,
		Runner:      runner,
		Coordinator: coord,
		Commands:    router,
		Interactive: actions,
		Worktrees:   worktrees,
	}
	if cfg.Reminder.Enabled {
		c.Reminder = reminder.New(worktrees, store, locks, ob, cfg.ChannelID,
			cfg.Reminder.Threshold, cfg.Reminder.CheckInterval, cfg.Reminder.Cron)
	}
	return c, nil
}

func startupMessage(cfg *config.Config) string {
	engineName := cfg.Engine.Default
	if engineName == "" {
		engineName = "engine default"
	}
	return fmt.Sprintf(
		"takopi connected — mention me with `/project @branch <prompt>` to start a run\nengine: `%s` · sessions: `%s`",
		engineName, cfg.StorePath)
}

// Run starts the bridge and blocks until ctx is cancelled or a component
// fails fatally.
func (c *Container) Run(ctx context.Context) error {
	botID, err := c.Client.BotIdentity(ctx)
	if err != nil {
		return fmt.Errorf("auth check: %w", err)
	}
	logger.InfoCF("app", "authenticated", map[string]interface{}{
		"bot_user": botID,
		"channel":  c.Config.ChannelID,
	})

	normalizer := slack.NewNormalizer(c.Queue, c.Config.ChannelID, botID)
	socket := slack.NewSocket(c.Client, normalizer)
	socket.OnOutage = func(down time.Duration) {
		c.Coordinator.FailAllActive("connection to Slack lost for " + down.Round(time.Second).String())
	}

	dispatcher := NewDispatcher(c.Queue, c.Coordinator, c.Commands, c.Interactive, c.Outbox)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return socket.Run(ctx) })
	g.Go(func() error { return dispatcher.Run(ctx) })
	if c.Reminder != nil {
		g.Go(func() error { return c.Reminder.Run(ctx) })
	}

	c.Outbox.Send(outbox.Destination{Channel: c.Config.ChannelID}, outbox.KindResult,
		startupMessage(c.Config))

	err = g.Wait()
	c.Queue.Close()
	c.Outbox.Flush()
	c.Outbox.Close()
	if cerr := c.Store.Close(); cerr != nil {
		logger.WarnCF("app", "store close failed", map[string]interface{}{
			"error": cerr.Error(),
		})
	}
	return err
}
