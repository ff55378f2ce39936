// Package interactive maps block-action clicks back to the run or
// worktree they reference: cancel buttons on progress messages and
// archive buttons on results and reminders.
package interactive

import (
	"context"
	"errors"
	"strings"

	"github.com/richardliang/takopi-slack-plugin/pkg/bus"
	"github.com/richardliang/takopi-slack-plugin/pkg/coordinator"
	wt "github.com/richardliang/takopi-slack-plugin/pkg/domain/worktree"
	"github.com/richardliang/takopi-slack-plugin/pkg/logger"
	"github.com/richardliang/takopi-slack-plugin/pkg/outbox"
)

const component = "interactive"

// Handler resolves block actions against the coordinator and the worktree
// manager. Unknown action ids are ignored with a warning.
type Handler struct {
	coord     *coordinator.Coordinator
	worktrees wt.Manager
	outbox    *outbox.Outbox
}

func New(coord *coordinator.Coordinator, worktrees wt.Manager, ob *outbox.Outbox) *Handler {
	return &Handler{coord: coord, worktrees: worktrees, outbox: ob}
}

// HandleAction processes one button click.
func (h *Handler) HandleAction(ctx context.Context, a bus.BlockAction) {
	switch a.ActionID {
	case coordinator.ActionCancelRun:
		h.handleCancel(a)
	case coordinator.ActionArchiveWorktree:
		h.handleArchive(ctx, a)
	default:
		logger.WarnCF(component, "unknown action id", map[string]interface{}{
			"action_id": a.ActionID,
		})
	}
}

func (h *Handler) handleCancel(a bus.BlockAction) {
	err := h.coord.Cancel(a.Value)
	if err == nil {
		// The coordinator edits the progress message to the cancelled
		// state itself; nothing more to do here.
		logger.InfoCF(component, "run cancelled", map[string]interface{}{
			"run_id": a.Value,
			"user":   a.User,
		})
		return
	}
	if errors.Is(err, coordinator.ErrRunNotFound) {
		h.markUnavailable(a, "this run is no longer available")
		return
	}
	logger.ErrorCF(component, "cancel failed", map[string]interface{}{
		"run_id": a.Value,
		"error":  err.Error(),
	})
}

func (h *Handler) handleArchive(ctx context.Context, a bus.BlockAction) {
	project, branch, ok := strings.Cut(a.Value, "@")
	if !ok || project == "" || branch == "" {
		logger.WarnCF(component, "malformed archive value", map[string]interface{}{
			"value": a.Value,
		})
		return
	}

	ref := h.worktrees.Resolve(project, branch)
	err := h.worktrees.Archive(ctx, ref)
	switch {
	case errors.Is(err, wt.ErrNotFound):
		h.markUnavailable(a, "worktree `"+project+"` @ `"+branch+"` is no longer available")
	case err != nil:
		logger.ErrorCF(component, "archive failed", map[string]interface{}{
			"project": project,
			"branch":  branch,
			"error":   err.Error(),
		})
		h.appendOutcome(a, "_archive failed: "+err.Error()+"_")
	default:
		h.appendOutcome(a, "_worktree `"+project+"` @ `"+branch+"` archived_")
	}
}

// appendOutcome edits the message carrying the button: original content
// plus an outcome line, button removed.
func (h *Handler) appendOutcome(a bus.BlockAction, note string) {
	handle, ok := h.outbox.LookupByTS(a.Channel, a.MessageTS)
	if !ok {
		// Message predates this process; we cannot edit it.
		h.outbox.SendEphemeral(outbox.Destination{Channel: a.Channel, ThreadTS: a.ThreadTS}, a.User, strings.Trim(note, "_"))
		return
	}
	text, _ := h.outbox.LastText(handle)
	if text != "" {
		text += "\n\n"
	}
	if err := h.outbox.Edit(handle, text+note); err != nil {
		logger.WarnCF(component, "outcome edit failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// markUnavailable replaces the stale message's controls with a
// user-visible notice rather than failing silently.
func (h *Handler) markUnavailable(a bus.BlockAction, note string) {
	handle, ok := h.outbox.LookupByTS(a.Channel, a.MessageTS)
	if !ok {
		h.outbox.SendEphemeral(outbox.Destination{Channel: a.Channel, ThreadTS: a.ThreadTS}, a.User, note)
		return
	}
	text, _ := h.outbox.LastText(handle)
	if text != "" {
		text += "\n\n"
	}
	if err := h.outbox.Edit(handle, text+"_"+note+"_"); err != nil {
		logger.WarnCF(component, "unavailable edit failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}
