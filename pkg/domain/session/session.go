// Package session defines the ThreadSession bounded context.
// A ThreadSession is the durable conversational state bound to one Slack
// thread: the project/branch directive, per-engine resume tokens, and
// user-set overrides. The store is the sole authoritative copy; anything
// in memory is a cache.
package session

import (
	"time"

	"github.com/richardliang/takopi-slack-plugin/pkg/domain"
)

// ---------------------------------------------------------------------------
// ThreadSession aggregate
// ---------------------------------------------------------------------------

// Overrides are the per-thread knobs a user can set with commands.
// Empty string means "not set".
type Overrides struct {
	Engine    string `json:"engine,omitempty"`
	Model     string `json:"model,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
}

// ThreadSession is keyed uniquely by thread key, never by channel alone.
type ThreadSession struct {
	Key    domain.ThreadKey `json:"key"`
	Project string          `json:"project,omitempty"`
	Branch  string          `json:"branch,omitempty"`

	// Resumes maps engine id to the opaque resume token that engine issued.
	// The bridge never inspects token values.
	Resumes map[string]string `json:"resumes,omitempty"`

	Overrides Overrides `json:"overrides"`

	OwnerUserID string `json:"owner_user_id,omitempty"`

	// ReminderSentAt records the last idle-worktree reminder for this
	// thread, cleared whenever the thread sees new activity.
	ReminderSentAt *time.Time `json:"reminder_sent_at,omitempty"`

	LastActiveAt time.Time `json:"last_active_at"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// New creates a session for a thread.
func New(key domain.ThreadKey) *ThreadSession {
	now := domain.Now()
	return &ThreadSession{
		Key:          key,
		Resumes:      make(map[string]string),
		CreatedAt:    now,
		UpdatedAt:    now,
		LastActiveAt: now,
	}
}

// SetDirective updates the project/branch pair. Changing the directive
// mid-thread is allowed.
func (s *ThreadSession) SetDirective(project, branch string) {
	s.Project = project
	s.Branch = branch
}

// ResumeFor returns the stored resume token for an engine, if any.
func (s *ThreadSession) ResumeFor(engine string) string {
	if s.Resumes == nil {
		return ""
	}
	return s.Resumes[engine]
}

// SetResume stores an engine-issued resume token.
func (s *ThreadSession) SetResume(engine, token string) {
	if s.Resumes == nil {
		s.Resumes = make(map[string]string)
	}
	s.Resumes[engine] = token
}

// Touch records thread activity and clears any pending reminder state.
func (s *ThreadSession) Touch(userID string) {
	s.LastActiveAt = domain.Now()
	if userID != "" && s.OwnerUserID == "" {
		s.OwnerUserID = userID
	}
	s.ReminderSentAt = nil
}

// Clone returns a deep copy, so mutators can work on a scratch value that
// is only committed after a successful flush.
func (s *ThreadSession) Clone() *ThreadSession {
	cp := *s
	if s.Resumes != nil {
		cp.Resumes = make(map[string]string, len(s.Resumes))
		for k, v := range s.Resumes {
			cp.Resumes[k] = v
		}
	}
	if s.ReminderSentAt != nil {
		t := *s.ReminderSentAt
		cp.ReminderSentAt = &t
	}
	return &cp
}

// ---------------------------------------------------------------------------
// Repository interface
// ---------------------------------------------------------------------------

// Repository defines durable persistence for ThreadSession records.
// Upsert and Clear flush synchronously before returning; a flush failure
// means the mutation did not happen.
type Repository interface {
	// Get returns the session for key, or ErrNotFound.
	Get(key domain.ThreadKey) (*ThreadSession, error)
	// Upsert loads (or creates) the session, applies mutate to a copy,
	// flushes it, and commits the copy. Returns the committed session.
	Upsert(key domain.ThreadKey, mutate func(*ThreadSession)) (*ThreadSession, error)
	// Clear deletes the session. Clearing an absent session is a no-op.
	Clear(key domain.ThreadKey) error
	// List returns all known sessions.
	List() ([]*ThreadSession, error)
}

// ---------------------------------------------------------------------------
// Domain errors
// ---------------------------------------------------------------------------

type Error string

func (e Error) Error() string { return string(e) }

const (
	// ErrNotFound means no session exists for the thread.
	ErrNotFound Error = "thread session not found"
)
