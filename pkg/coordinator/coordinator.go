// Package coordinator owns the lifecycle of execution runs: admission
// (at most one active run per thread), progress streaming into a single
// editable message, cooperative cancellation, and committing resume
// tokens back into the session on completion.
package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/richardliang/takopi-slack-plugin/pkg/directive"
	"github.com/richardliang/takopi-slack-plugin/pkg/domain"
	runmodel "github.com/richardliang/takopi-slack-plugin/pkg/domain/run"
	"github.com/richardliang/takopi-slack-plugin/pkg/domain/session"
	"github.com/richardliang/takopi-slack-plugin/pkg/engine"
	"github.com/richardliang/takopi-slack-plugin/pkg/keyedlock"
	"github.com/richardliang/takopi-slack-plugin/pkg/logger"
	"github.com/richardliang/takopi-slack-plugin/pkg/outbox"
)

// ErrThreadBusy rejects a submission while another run is active in the
// thread. The event is dropped, not queued; the user re-issues later.
var ErrThreadBusy = errors.New("a run is already active in this thread")

// ErrNoSession means a thread reply carried no directive and the thread
// has no stored session to fall back on.
var ErrNoSession = errors.New("no session for thread")

// Control action ids understood by the interactive handler.
const (
	ActionCancelRun       = "cancel_run"
	ActionArchiveWorktree = "archive_worktree"
)

// StartRequest describes one accepted inbound event to turn into a run.
type StartRequest struct {
	Key    domain.ThreadKey
	UserID string
	Prompt string
	// IsCommand marks an inline plugin command instead of a prompt.
	IsCommand bool
	// Directive, when non-nil, creates or updates the session before the
	// run starts. Nil falls back to the stored session.
	Directive *directive.Directive
}

type activeRun struct {
	run    *runmodel.Run
	engine string
	cancel context.CancelFunc
	state  *progressState

	mu     sync.Mutex
	handle outbox.Handle

	finish sync.Once
}

// Coordinator drives runs through pending → running → terminal. Admission
// and session updates for one thread happen under the same per-thread
// lock, so they are atomic with respect to that thread.
type Coordinator struct {
	runner   engine.Runner
	outbox   *outbox.Outbox
	sessions session.Repository
	locks    *keyedlock.Map

	defaultEngine string
	now           func() time.Time

	// mu guards the run maps and every Run.Status transition: admission
	// reads the status under mu, so the writes in runLoop and finalize
	// hold it too.
	mu       sync.Mutex
	active   map[string]*activeRun // thread key -> active run
	byHandle map[outbox.Handle]*activeRun
}

// New creates a coordinator. locks must be the same lock map the command
// router uses for session mutations.
func New(runner engine.Runner, ob *outbox.Outbox, sessions session.Repository, locks *keyedlock.Map, defaultEngine string) *Coordinator {
	return &Coordinator{
		runner:        runner,
		outbox:        ob,
		sessions:      sessions,
		locks:         locks,
		defaultEngine: defaultEngine,
		now:           time.Now,
		active:        make(map[string]*activeRun),
		byHandle:      make(map[outbox.Handle]*activeRun),
	}
}

// Start admits and launches a run for req. It returns ErrThreadBusy when
// the thread already has an active run, ErrNoSession when no context can
// be resolved, or a persistence error if the session update could not be
// flushed.
func (c *Coordinator) Start(ctx context.Context, req StartRequest) error {
	key := req.Key.String()
	return c.locks.Do(key, func() error {
		c.mu.Lock()
		if ar, ok := c.active[key]; ok && ar.run.Status.Active() {
			c.mu.Unlock()
			return ErrThreadBusy
		}
		c.mu.Unlock()

		sess, err := c.resolveSession(req)
		if err != nil {
			return err
		}

		engineID := sess.Overrides.Engine
		if engineID == "" {
			engineID = c.defaultEngine
		}

		r := runmodel.New(req.Key, req.Prompt)
		r.Project = sess.Project
		r.Branch = sess.Branch
		r.IsCommand = req.IsCommand
		r.UserID = req.UserID

		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		ar := &activeRun{
			run:    r,
			engine: engineID,
			cancel: cancel,
			state: &progressState{
				engine:    engineID,
				project:   sess.Project,
				branch:    sess.Branch,
				startedAt: c.now(),
			},
		}

		c.mu.Lock()
		c.active[key] = ar
		c.mu.Unlock()

		go c.runLoop(runCtx, ar, engine.Request{
			RunID:       r.ID,
			Project:     sess.Project,
			Branch:      sess.Branch,
			Prompt:      req.Prompt,
			IsCommand:   req.IsCommand,
			ResumeToken: sess.ResumeFor(engineID),
			Overrides: engine.Overrides{
				Engine:    sess.Overrides.Engine,
				Model:     sess.Overrides.Model,
				Reasoning: sess.Overrides.Reasoning,
			},
		})
		return nil
	})
}

// resolveSession loads or creates the thread session for a request. It
// runs under the per-thread lock held by Start.
func (c *Coordinator) resolveSession(req StartRequest) (*session.ThreadSession, error) {
	if req.Directive != nil {
		// Seed new thread sessions with the channel-level defaults set by
		// slash commands.
		var defaults session.Overrides
		if chSess, err := c.sessions.Get(domain.ChannelScopeKey(req.Key.Channel)); err == nil {
			defaults = chSess.Overrides
		}
		_, existing := c.sessionExists(req.Key)
		return c.sessions.Upsert(req.Key, func(s *session.ThreadSession) {
			if !existing && s.Overrides == (session.Overrides{}) {
				s.Overrides = defaults
			}
			s.SetDirective(req.Directive.Project, req.Directive.Branch)
			s.Touch(req.UserID)
		})
	}

	if _, err := c.sessions.Get(req.Key); errors.Is(err, session.ErrNotFound) {
		if !req.IsCommand {
			return nil, ErrNoSession
		}
		// Inline plugin commands do not require a directive; they run
		// against a fresh session.
	} else if err != nil {
		return nil, err
	}
	return c.sessions.Upsert(req.Key, func(s *session.ThreadSession) {
		s.Touch(req.UserID)
	})
}

func (c *Coordinator) sessionExists(key domain.ThreadKey) (*session.ThreadSession, bool) {
	s, err := c.sessions.Get(key)
	if err != nil {
		return nil, false
	}
	return s, true
}

// ---------------------------------------------------------------------------
// Run loop
// ---------------------------------------------------------------------------

func (c *Coordinator) runLoop(ctx context.Context, ar *activeRun, req engine.Request) {
	dest := c.destFor(ar.run.ThreadKey)

	events, err := c.runner.Submit(ctx, req)
	if err != nil {
		c.finalize(ar, runmodel.StatusFailed, "error:\n"+err.Error())
		return
	}
	c.mu.Lock()
	err = ar.run.Start()
	c.mu.Unlock()
	if err != nil {
		logger.ErrorCF("coordinator", "start transition failed", map[string]interface{}{
			"run_id": ar.run.ID, "error": err.Error(),
		})
	}

	for ev := range events {
		if ctx.Err() != nil {
			// Cancelled — the cancel path already committed the outcome;
			// drain whatever the engine still emits.
			continue
		}
		switch ev.Kind {
		case engine.EventProgress:
			ar.state.add(ev.Text)
			c.publishProgress(ar, dest)
		case engine.EventResult:
			c.commitResume(ar, ev.ResumeToken)
			c.finalize(ar, runmodel.StatusCompleted, ev.Text)
			return
		case engine.EventError:
			// Session left untouched so a retry in the thread still works.
			c.finalize(ar, runmodel.StatusFailed, "error:\n"+ev.Text)
			return
		}
	}

	if ctx.Err() == nil {
		c.finalize(ar, runmodel.StatusFailed, "error:\nengine stream ended unexpectedly")
	}
}

// publishProgress lazily creates the single progress message on the first
// event and edits it afterwards — never one message per update.
func (c *Coordinator) publishProgress(ar *activeRun, dest outbox.Destination) {
	text := ar.state.renderProgress(c.now())
	cancelBtn := outbox.Control{
		ActionID: ActionCancelRun,
		Label:    "Cancel",
		Value:    ar.run.ID,
		Danger:   true,
	}

	ar.mu.Lock()
	handle := ar.handle
	ar.mu.Unlock()

	if handle == "" {
		handle = c.outbox.Send(dest, outbox.KindProgress, text, cancelBtn)
		ar.mu.Lock()
		ar.handle = handle
		ar.mu.Unlock()
		c.mu.Lock()
		c.byHandle[handle] = ar
		c.mu.Unlock()
		return
	}
	if err := c.outbox.Edit(handle, text, cancelBtn); err != nil {
		logger.WarnCF("coordinator", "progress edit failed", map[string]interface{}{
			"run_id": ar.run.ID, "error": err.Error(),
		})
	}
}

// commitResume writes the engine-issued resume token into the session,
// under the same per-thread lock as every other session write.
func (c *Coordinator) commitResume(ar *activeRun, token string) {
	if token == "" {
		return
	}
	key := ar.run.ThreadKey
	engineID := ar.engine
	err := c.locks.Do(key.String(), func() error {
		_, err := c.sessions.Upsert(key, func(s *session.ThreadSession) {
			s.SetResume(engineID, token)
		})
		return err
	})
	if err != nil {
		logger.ErrorCF("coordinator", "resume token not persisted", map[string]interface{}{
			"thread": key.String(), "error": err.Error(),
		})
	}
}

// finalize commits a terminal status exactly once and publishes the final
// message (an edit of the progress message when one exists).
func (c *Coordinator) finalize(ar *activeRun, status runmodel.Status, text string) {
	ar.finish.Do(func() {
		c.mu.Lock()
		switch status {
		case runmodel.StatusCompleted:
			ar.run.Complete()
		case runmodel.StatusCancelled:
			ar.run.Cancel()
		default:
			ar.run.Fail(text)
		}
		c.mu.Unlock()

		label := map[runmodel.Status]string{
			runmodel.StatusCompleted: "done",
			runmodel.StatusCancelled: "cancelled",
			runmodel.StatusFailed:    "failed",
		}[status]
		final := ar.state.renderFinal(label, text, c.now())

		var controls []outbox.Control
		if status == runmodel.StatusCompleted && ar.run.Project != "" {
			controls = append(controls, outbox.Control{
				ActionID: ActionArchiveWorktree,
				Label:    "Archive worktree",
				Value:    ar.run.Project + "@" + ar.run.Branch,
			})
		}

		dest := c.destFor(ar.run.ThreadKey)
		kind := outbox.KindResult
		if status != runmodel.StatusCompleted {
			kind = outbox.KindError
		}

		ar.mu.Lock()
		handle := ar.handle
		ar.mu.Unlock()
		if handle == "" {
			handle = c.outbox.Send(dest, kind, final, controls...)
			ar.mu.Lock()
			ar.handle = handle
			ar.mu.Unlock()
		} else if err := c.outbox.Edit(handle, final, controls...); err != nil {
			// The progress message vanished under us; surface the result
			// as a fresh message rather than losing it.
			c.outbox.Send(dest, kind, final, controls...)
		}

		c.mu.Lock()
		if cur, ok := c.active[ar.run.ThreadKey.String()]; ok && cur == ar {
			delete(c.active, ar.run.ThreadKey.String())
		}
		if handle != "" {
			if cur, ok := c.byHandle[handle]; ok && cur == ar {
				delete(c.byHandle, handle)
			}
		}
		c.mu.Unlock()

		logger.InfoCF("coordinator", "run finished", map[string]interface{}{
			"run_id": ar.run.ID,
			"status": string(status),
		})
	})
}

func (c *Coordinator) destFor(key domain.ThreadKey) outbox.Destination {
	if key.IsChannelScope() {
		return outbox.Destination{Channel: key.Channel}
	}
	return outbox.Destination{Channel: key.Channel, ThreadTS: key.ThreadTS}
}

// ---------------------------------------------------------------------------
// Cancellation and lookup
// ---------------------------------------------------------------------------

// Cancel requests cooperative cancellation of a run by id. The cancelled
// status commits immediately, regardless of how promptly the engine acks;
// delayed engine teardown happens in the background.
func (c *Coordinator) Cancel(runID string) error {
	c.mu.Lock()
	var ar *activeRun
	for _, cand := range c.active {
		if cand.run.ID == runID {
			ar = cand
			break
		}
	}
	c.mu.Unlock()
	if ar == nil {
		return ErrRunNotFound
	}

	ar.cancel()
	c.runner.Cancel(runID)
	c.finalize(ar, runmodel.StatusCancelled, "")
	return nil
}

// ErrRunNotFound means the referenced run is not active anymore.
var ErrRunNotFound = errors.New("run not found")

// RunForHandle resolves the run whose progress message is h.
func (c *Coordinator) RunForHandle(h outbox.Handle) (*runmodel.Run, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ar, ok := c.byHandle[h]
	if !ok {
		return nil, false
	}
	return ar.run, true
}

// Busy reports whether a thread currently has an active run.
func (c *Coordinator) Busy(key domain.ThreadKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ar, ok := c.active[key.String()]
	return ok && ar.run.Status.Active()
}

// FailAllActive marks every active run failed. Called when the socket
// outage exceeds the tolerated maximum.
func (c *Coordinator) FailAllActive(reason string) {
	c.mu.Lock()
	runs := make([]*activeRun, 0, len(c.active))
	for _, ar := range c.active {
		runs = append(runs, ar)
	}
	c.mu.Unlock()

	for _, ar := range runs {
		ar.cancel()
		c.runner.Cancel(ar.run.ID)
		c.finalize(ar, runmodel.StatusFailed, "error:\n"+reason)
	}
}
