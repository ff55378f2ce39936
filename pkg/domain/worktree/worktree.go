// Package worktree defines the external worktree collaborator contract.
// The bridge only reads worktree age and issues archive/reset requests;
// it never owns the directories themselves.
package worktree

import (
	"context"
	"time"
)

// Ref describes one per-branch working directory the engine operates in.
type Ref struct {
	Path         string    `json:"path"`
	Project      string    `json:"project"`
	Branch       string    `json:"branch"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// Manager is the worktree-management collaborator.
type Manager interface {
	// Resolve builds the ref for a project/branch pair without checking
	// existence; Archive and ResetToDefault report ErrNotFound instead.
	Resolve(project, branch string) Ref
	// ListStale returns refs whose last activity is older than threshold.
	ListStale(ctx context.Context, threshold time.Duration) ([]Ref, error)
	// Archive moves the worktree out of the active set.
	Archive(ctx context.Context, ref Ref) error
	// ResetToDefault discards the worktree's state back to the default branch.
	ResetToDefault(ctx context.Context, ref Ref) error
}

type Error string

func (e Error) Error() string { return string(e) }

// ErrNotFound means the referenced worktree no longer exists.
const ErrNotFound Error = "worktree not found"
