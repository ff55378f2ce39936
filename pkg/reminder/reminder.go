// Package reminder implements the idle-worktree sweep: worktrees whose
// last activity exceeds a threshold get a reminder message with an
// archive button, at most once per threshold window.
package reminder

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"github.com/richardliang/takopi-slack-plugin/pkg/coordinator"
	"github.com/richardliang/takopi-slack-plugin/pkg/domain/session"
	wt "github.com/richardliang/takopi-slack-plugin/pkg/domain/worktree"
	"github.com/richardliang/takopi-slack-plugin/pkg/keyedlock"
	"github.com/richardliang/takopi-slack-plugin/pkg/logger"
	"github.com/richardliang/takopi-slack-plugin/pkg/outbox"
)

const component = "reminder"

// Scheduler sweeps worktree metadata on a schedule independent of the
// event stream. Reminder state lives on the matching thread session when
// one exists; otherwise it is in-memory only, so a restart may re-send at
// most one reminder already in flight.
type Scheduler struct {
	worktrees wt.Manager
	sessions  session.Repository
	locks     *keyedlock.Map
	outbox    *outbox.Outbox

	channel   string
	threshold time.Duration
	interval  time.Duration
	cron      string
	gron      *gronx.Gronx

	sent map[string]time.Time // "project@branch" -> last reminder, for sessionless worktrees
	now  func() time.Time
}

// New creates a scheduler posting reminders into channel. When cron is
// non-empty it gates sweeps instead of the plain interval.
func New(worktrees wt.Manager, sessions session.Repository, locks *keyedlock.Map, ob *outbox.Outbox, channel string, threshold, interval time.Duration, cron string) *Scheduler {
	return &Scheduler{
		worktrees: worktrees,
		sessions:  sessions,
		locks:     locks,
		outbox:    ob,
		channel:   channel,
		threshold: threshold,
		interval:  interval,
		cron:      cron,
		gron:      gronx.New(),
		sent:      make(map[string]time.Time),
		now:       time.Now,
	}
}

// Run sweeps until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	tick := s.interval
	if s.cron != "" {
		// Cron expressions resolve at minute granularity.
		tick = time.Minute
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	logger.InfoCF(component, "scheduler started", map[string]interface{}{
		"threshold": s.threshold.String(),
		"interval":  tick.String(),
	})
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if s.cron != "" {
				due, err := s.gron.IsDue(s.cron, s.now())
				if err != nil {
					logger.WarnCF(component, "bad cron expression", map[string]interface{}{
						"cron": s.cron, "error": err.Error(),
					})
					continue
				}
				if !due {
					continue
				}
			}
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass over the stale worktrees.
func (s *Scheduler) Sweep(ctx context.Context) {
	stale, err := s.worktrees.ListStale(ctx, s.threshold)
	if err != nil {
		logger.WarnCF(component, "stale scan failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	var sessions []*session.ThreadSession
	if len(stale) > 0 {
		if sessions, err = s.sessions.List(); err != nil {
			logger.WarnCF(component, "session list failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	for _, ref := range stale {
		if ctx.Err() != nil {
			return
		}
		s.remind(ref, sessions)
	}
}

func (s *Scheduler) remind(ref wt.Ref, sessions []*session.ThreadSession) {
	owner := matchSession(sessions, ref)
	if s.alreadyReminded(ref, owner) {
		return
	}

	text := fmt.Sprintf("worktree `%s` @ `%s` has been idle since %s — archive it if you are done",
		ref.Project, ref.Branch, ref.LastActiveAt.Format("2006-01-02 15:04 UTC"))
	s.outbox.Send(outbox.Destination{Channel: s.channel}, outbox.KindReminder, text, outbox.Control{
		ActionID: coordinator.ActionArchiveWorktree,
		Label:    "Archive",
		Value:    ref.Project + "@" + ref.Branch,
	})
	logger.InfoCF(component, "reminder sent", map[string]interface{}{
		"project": ref.Project,
		"branch":  ref.Branch,
	})

	s.markReminded(ref, owner)
}

// alreadyReminded reports whether a reminder for this worktree went out
// within the current threshold window.
func (s *Scheduler) alreadyReminded(ref wt.Ref, owner *session.ThreadSession) bool {
	cutoff := s.now().Add(-s.threshold)
	if owner != nil {
		return owner.ReminderSentAt != nil && owner.ReminderSentAt.After(cutoff)
	}
	at, ok := s.sent[ref.Project+"@"+ref.Branch]
	return ok && at.After(cutoff)
}

func (s *Scheduler) markReminded(ref wt.Ref, owner *session.ThreadSession) {
	if owner == nil {
		s.sent[ref.Project+"@"+ref.Branch] = s.now()
		return
	}
	err := s.locks.Do(owner.Key.String(), func() error {
		_, err := s.sessions.Upsert(owner.Key, func(sess *session.ThreadSession) {
			now := s.now().UTC()
			sess.ReminderSentAt = &now
		})
		return err
	})
	if err != nil {
		logger.WarnCF(component, "reminder state not persisted", map[string]interface{}{
			"thread": owner.Key.String(),
			"error":  err.Error(),
		})
	}
}

// matchSession finds the session bound to the worktree's project/branch,
// preferring the most recently active one.
func matchSession(sessions []*session.ThreadSession, ref wt.Ref) *session.ThreadSession {
	var best *session.ThreadSession
	for _, sess := range sessions {
		if sess.Project != ref.Project || sess.Branch != ref.Branch {
			continue
		}
		if best == nil || sess.LastActiveAt.After(best.LastActiveAt) {
			best = sess
		}
	}
	return best
}
