// Package run defines the Run aggregate: one accepted unit of engine work
// bound to a thread, with a strict lifecycle state machine.
package run

import (
	"fmt"
	"time"

	"github.com/richardliang/takopi-slack-plugin/pkg/domain"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) String() string { return string(s) }

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCancelled, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Active reports whether the run occupies its thread's single run slot.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusRunning
}

// Run is one accepted prompt or inline command. At most one run per thread
// may be active at any time; admission is the coordinator's job.
type Run struct {
	ID        string           `json:"id"`
	ThreadKey domain.ThreadKey `json:"thread_key"`
	Project   string           `json:"project,omitempty"`
	Branch    string           `json:"branch,omitempty"`
	// Prompt is the natural-language prompt, or the inline command text
	// when IsCommand is set.
	Prompt    string `json:"prompt"`
	IsCommand bool   `json:"is_command,omitempty"`
	UserID    string `json:"user_id,omitempty"`

	Status     Status     `json:"status"`
	FailReason string     `json:"fail_reason,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// New creates a pending run.
func New(key domain.ThreadKey, prompt string) *Run {
	return &Run{
		ID:        domain.NewID(),
		ThreadKey: key,
		Prompt:    prompt,
		Status:    StatusPending,
		StartedAt: domain.Now(),
	}
}

// Start transitions pending → running.
func (r *Run) Start() error {
	if r.Status != StatusPending {
		return fmt.Errorf("run %s: cannot start from %s", r.ID, r.Status)
	}
	r.Status = StatusRunning
	return nil
}

// Complete transitions running → completed.
func (r *Run) Complete() error {
	return r.finish(StatusCompleted, "")
}

// Fail transitions pending/running → failed. Terminal runs are not retried.
func (r *Run) Fail(reason string) error {
	return r.finish(StatusFailed, reason)
}

// Cancel transitions pending/running → cancelled. Cancellation commits
// immediately; any delayed engine teardown happens after the fact.
func (r *Run) Cancel() error {
	return r.finish(StatusCancelled, "")
}

func (r *Run) finish(to Status, reason string) error {
	if r.Status.Terminal() {
		return fmt.Errorf("run %s: already %s", r.ID, r.Status)
	}
	r.Status = to
	r.FailReason = reason
	now := domain.Now()
	r.FinishedAt = &now
	return nil
}
