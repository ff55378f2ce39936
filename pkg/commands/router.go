// Package commands dispatches slash commands and message shortcuts:
// built-in subcommands mutate the session, everything else forwards to
// the run coordinator as an inline plugin command.
package commands

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/richardliang/takopi-slack-plugin/pkg/bus"
	"github.com/richardliang/takopi-slack-plugin/pkg/coordinator"
	"github.com/richardliang/takopi-slack-plugin/pkg/domain"
	"github.com/richardliang/takopi-slack-plugin/pkg/domain/session"
	"github.com/richardliang/takopi-slack-plugin/pkg/keyedlock"
	"github.com/richardliang/takopi-slack-plugin/pkg/logger"
	"github.com/richardliang/takopi-slack-plugin/pkg/outbox"
)

const component = "commands"

const usageText = "usage: status | engine <id|clear> | model <id|clear> | reasoning <level|clear> | session clear | <plugin-command> [args]"

// Router resolves slash commands and shortcuts. Built-ins never start a
// run; confirmations and usage errors go back only to the invoking user.
type Router struct {
	sessions session.Repository
	locks    *keyedlock.Map
	outbox   *outbox.Outbox
	coord    *coordinator.Coordinator

	defaultEngine string
}

func New(sessions session.Repository, locks *keyedlock.Map, ob *outbox.Outbox, coord *coordinator.Coordinator, defaultEngine string) *Router {
	return &Router{
		sessions:      sessions,
		locks:         locks,
		outbox:        ob,
		coord:         coord,
		defaultEngine: defaultEngine,
	}
}

// HandleSlash processes one slash-command invocation. Slash payloads carry
// no thread reference, so built-ins operate on the channel-scope session.
func (r *Router) HandleSlash(ctx context.Context, cmd bus.SlashCommand) {
	key := domain.ChannelScopeKey(cmd.Channel)
	dest := outbox.Destination{Channel: cmd.Channel}

	fields := strings.Fields(cmd.Args)
	if len(fields) == 0 {
		r.outbox.SendEphemeral(dest, cmd.User, usageText)
		return
	}
	sub, rest := fields[0], fields[1:]

	switch sub {
	case "status":
		r.outbox.SendEphemeral(dest, cmd.User, r.statusText(key))
	case "engine", "model", "reasoning":
		r.handleOverride(key, dest, cmd.User, sub, rest)
	case "session":
		if len(rest) != 1 || rest[0] != "clear" {
			r.outbox.SendEphemeral(dest, cmd.User, usageText)
			return
		}
		r.handleSessionClear(key, dest, cmd.User)
	case "help":
		r.outbox.SendEphemeral(dest, cmd.User, usageText)
	default:
		// Not a built-in: forward as an inline plugin command run.
		r.startCommand(ctx, key, dest, cmd.User, strings.TrimSpace(cmd.Args))
	}
}

// HandleShortcut processes one message shortcut. The callback id encodes
// the plugin command and the referenced message supplies the arguments.
func (r *Router) HandleShortcut(ctx context.Context, sc bus.Shortcut) {
	command := pluginCommandFor(sc.CallbackID)
	if command == "" {
		logger.WarnCF(component, "unknown shortcut callback", map[string]interface{}{
			"callback_id": sc.CallbackID,
		})
		return
	}

	// Shortcuts reference a concrete message, so the run lands in that
	// message's thread.
	threadTS := sc.ThreadTS
	if threadTS == "" {
		threadTS = sc.MessageTS
	}
	key := domain.NewThreadKey(sc.Channel, threadTS)
	dest := outbox.Destination{Channel: sc.Channel, ThreadTS: threadTS}

	text := strings.TrimSpace(command + " " + strings.TrimSpace(sc.MessageText))
	r.startCommand(ctx, key, dest, sc.User, text)
}

// pluginCommandFor maps a shortcut callback id to the plugin command it
// triggers. Callback ids use the "takopi_<command>" convention.
func pluginCommandFor(callbackID string) string {
	if cmd, ok := strings.CutPrefix(callbackID, "takopi_"); ok && cmd != "" {
		return cmd
	}
	return ""
}

// ---------------------------------------------------------------------------
// Built-ins
// ---------------------------------------------------------------------------

func (r *Router) statusText(key domain.ThreadKey) string {
	sess, err := r.sessions.Get(key)
	if errors.Is(err, session.ErrNotFound) {
		return "no session yet — mention me with `/project @branch <prompt>` to start one"
	}
	if err != nil {
		return "status unavailable: " + err.Error()
	}

	var b strings.Builder
	if sess.Project != "" {
		fmt.Fprintf(&b, "project `%s` @ `%s`\n", sess.Project, sess.Branch)
	}
	engine := sess.Overrides.Engine
	if engine == "" {
		engine = r.defaultEngine + " (default)"
	}
	fmt.Fprintf(&b, "engine: %s\n", engine)
	if sess.Overrides.Model != "" {
		fmt.Fprintf(&b, "model: %s\n", sess.Overrides.Model)
	}
	if sess.Overrides.Reasoning != "" {
		fmt.Fprintf(&b, "reasoning: %s\n", sess.Overrides.Reasoning)
	}
	if len(sess.Resumes) > 0 {
		engines := make([]string, 0, len(sess.Resumes))
		for id := range sess.Resumes {
			engines = append(engines, id)
		}
		sort.Strings(engines)
		fmt.Fprintf(&b, "resumable: %s\n", strings.Join(engines, ", "))
	}
	fmt.Fprintf(&b, "last active: %s", sess.LastActiveAt.Format("2006-01-02 15:04 UTC"))
	return b.String()
}

func (r *Router) handleOverride(key domain.ThreadKey, dest outbox.Destination, user, field string, args []string) {
	if len(args) != 1 {
		r.outbox.SendEphemeral(dest, user, fmt.Sprintf("usage: %s <value|clear>", field))
		return
	}
	value := args[0]
	if value == "clear" {
		value = ""
	}

	err := r.locks.Do(key.String(), func() error {
		_, err := r.sessions.Upsert(key, func(s *session.ThreadSession) {
			switch field {
			case "engine":
				s.Overrides.Engine = value
			case "model":
				s.Overrides.Model = value
			case "reasoning":
				s.Overrides.Reasoning = value
			}
			s.Touch(user)
		})
		return err
	})
	if err != nil {
		r.outbox.SendEphemeral(dest, user, fmt.Sprintf("could not save %s override: %s", field, err))
		return
	}

	if value == "" {
		r.outbox.SendEphemeral(dest, user, fmt.Sprintf("%s override cleared", field))
	} else {
		r.outbox.SendEphemeral(dest, user, fmt.Sprintf("%s set to `%s`", field, value))
	}
}

func (r *Router) handleSessionClear(key domain.ThreadKey, dest outbox.Destination, user string) {
	err := r.locks.Do(key.String(), func() error {
		return r.sessions.Clear(key)
	})
	if err != nil {
		r.outbox.SendEphemeral(dest, user, "could not clear session: "+err.Error())
		return
	}
	r.outbox.SendEphemeral(dest, user, "session cleared — the next message starts fresh")
}

// ---------------------------------------------------------------------------
// Plugin command forwarding
// ---------------------------------------------------------------------------

func (r *Router) startCommand(ctx context.Context, key domain.ThreadKey, dest outbox.Destination, user, text string) {
	err := r.coord.Start(ctx, coordinator.StartRequest{
		Key:       key,
		UserID:    user,
		Prompt:    text,
		IsCommand: true,
	})
	switch {
	case errors.Is(err, coordinator.ErrThreadBusy):
		r.outbox.SendEphemeral(dest, user, "a run is already active here — wait for it to finish or cancel it")
	case err != nil:
		r.outbox.SendEphemeral(dest, user, "could not start command: "+err.Error())
	}
}
