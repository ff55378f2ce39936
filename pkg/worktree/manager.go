// Package worktree implements the worktree-management collaborator over a
// plain directory layout: <root>/<project>/<branch> is the working
// directory the engine operates in for that project/branch pair.
package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/richardliang/takopi-slack-plugin/pkg/domain"
	wt "github.com/richardliang/takopi-slack-plugin/pkg/domain/worktree"
	"github.com/richardliang/takopi-slack-plugin/pkg/logger"
)

const archiveDirName = ".archive"

// FSManager reads worktree age from directory modification times and
// archives by moving directories aside. It never creates worktrees; that
// is the engine's job.
type FSManager struct {
	root string
	now  func() time.Time
}

// NewFSManager creates a manager over root. An empty root disables
// scanning (ListStale returns nothing).
func NewFSManager(root string) *FSManager {
	return &FSManager{root: root, now: time.Now}
}

// Resolve implements worktree.Manager.
func (m *FSManager) Resolve(project, branch string) wt.Ref {
	return wt.Ref{
		Path:    filepath.Join(m.root, project, branch),
		Project: project,
		Branch:  branch,
	}
}

// ListStale implements worktree.Manager.
func (m *FSManager) ListStale(ctx context.Context, threshold time.Duration) ([]wt.Ref, error) {
	if m.root == "" {
		return nil, nil
	}
	projects, err := os.ReadDir(m.root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan worktrees: %w", err)
	}

	cutoff := m.now().Add(-threshold)
	var stale []wt.Ref
	for _, proj := range projects {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !proj.IsDir() || proj.Name() == archiveDirName {
			continue
		}
		branches, err := os.ReadDir(filepath.Join(m.root, proj.Name()))
		if err != nil {
			continue
		}
		for _, br := range branches {
			if !br.IsDir() {
				continue
			}
			info, err := br.Info()
			if err != nil {
				continue
			}
			if info.ModTime().After(cutoff) {
				continue
			}
			stale = append(stale, wt.Ref{
				Path:         filepath.Join(m.root, proj.Name(), br.Name()),
				Project:      proj.Name(),
				Branch:       br.Name(),
				LastActiveAt: info.ModTime().UTC(),
			})
		}
	}
	return stale, nil
}

// Archive implements worktree.Manager: the directory moves under
// <root>/.archive with a unique suffix, out of the active set.
func (m *FSManager) Archive(ctx context.Context, ref wt.Ref) error {
	if _, err := os.Stat(ref.Path); os.IsNotExist(err) {
		return wt.ErrNotFound
	}
	archiveDir := filepath.Join(m.root, archiveDirName)
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}
	dest := filepath.Join(archiveDir, fmt.Sprintf("%s-%s-%s", ref.Project, ref.Branch, domain.NewID()[:8]))
	if err := os.Rename(ref.Path, dest); err != nil {
		return fmt.Errorf("archive worktree: %w", err)
	}
	logger.InfoCF("worktree", "archived", map[string]interface{}{
		"project": ref.Project,
		"branch":  ref.Branch,
		"dest":    dest,
	})
	return nil
}

// ResetToDefault implements worktree.Manager: the branch directory is
// removed so the engine re-creates it from the default branch on the next
// run.
func (m *FSManager) ResetToDefault(ctx context.Context, ref wt.Ref) error {
	if _, err := os.Stat(ref.Path); os.IsNotExist(err) {
		return wt.ErrNotFound
	}
	if err := os.RemoveAll(ref.Path); err != nil {
		return fmt.Errorf("reset worktree: %w", err)
	}
	logger.InfoCF("worktree", "reset to default", map[string]interface{}{
		"project": ref.Project,
		"branch":  ref.Branch,
	})
	return nil
}

var _ wt.Manager = (*FSManager)(nil)
