package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/richardliang/takopi-slack-plugin/pkg/logger"
)

// ExecRunner drives an engine CLI as a subprocess. The process receives
// the prompt and run metadata as arguments and reports progress as JSON
// lines on stdout:
//
//	{"kind":"progress","text":"..."}
//	{"kind":"result","text":"...","resume_token":"..."}
//	{"kind":"error","text":"..."}
//
// Anything that is not valid JSON is treated as a plain progress line.
type ExecRunner struct {
	command string

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// NewExecRunner creates a runner invoking command for each submission.
func NewExecRunner(command string) *ExecRunner {
	return &ExecRunner{
		command: command,
		active:  make(map[string]context.CancelFunc),
	}
}

type execEventLine struct {
	Kind        string `json:"kind"`
	Text        string `json:"text"`
	ResumeToken string `json:"resume_token,omitempty"`
}

// Submit implements Runner.
func (r *ExecRunner) Submit(ctx context.Context, req Request) (<-chan Event, error) {
	if r.command == "" {
		return nil, fmt.Errorf("engine command not configured")
	}

	runCtx, cancel := context.WithCancel(ctx)

	args := []string{"--run-id", req.RunID}
	if req.Project != "" {
		args = append(args, "--project", req.Project)
	}
	if req.Branch != "" {
		args = append(args, "--branch", req.Branch)
	}
	if req.ResumeToken != "" {
		args = append(args, "--resume", req.ResumeToken)
	}
	if req.Overrides.Engine != "" {
		args = append(args, "--engine", req.Overrides.Engine)
	}
	if req.Overrides.Model != "" {
		args = append(args, "--model", req.Overrides.Model)
	}
	if req.Overrides.Reasoning != "" {
		args = append(args, "--reasoning", req.Overrides.Reasoning)
	}
	if req.IsCommand {
		args = append(args, "--command")
	}
	args = append(args, req.Prompt)

	cmd := exec.CommandContext(runCtx, r.command, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start engine: %w", err)
	}

	r.mu.Lock()
	r.active[req.RunID] = cancel
	r.mu.Unlock()

	events := make(chan Event, 16)
	go func() {
		defer close(events)
		defer func() {
			r.mu.Lock()
			delete(r.active, req.RunID)
			r.mu.Unlock()
			cancel()
		}()

		sawTerminal := false
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var parsed execEventLine
			if err := json.Unmarshal([]byte(line), &parsed); err != nil {
				events <- Event{Kind: EventProgress, Text: line}
				continue
			}
			switch EventKind(parsed.Kind) {
			case EventResult:
				sawTerminal = true
				events <- Event{Kind: EventResult, Text: parsed.Text, ResumeToken: parsed.ResumeToken}
			case EventError:
				sawTerminal = true
				events <- Event{Kind: EventError, Text: parsed.Text}
			default:
				events <- Event{Kind: EventProgress, Text: parsed.Text}
			}
		}

		err := cmd.Wait()
		if sawTerminal {
			return
		}
		if runCtx.Err() != nil {
			// Cancelled — the coordinator already committed the outcome.
			return
		}
		if err != nil {
			logger.WarnCF("engine", "process exited abnormally", map[string]interface{}{
				"run_id": req.RunID,
				"error":  err.Error(),
			})
			events <- Event{Kind: EventError, Text: fmt.Sprintf("engine exited: %v", err)}
			return
		}
		events <- Event{Kind: EventError, Text: "engine exited without a result"}
	}()

	return events, nil
}

// Cancel implements Runner. It signals the subprocess and returns without
// waiting for teardown.
func (r *ExecRunner) Cancel(runID string) {
	r.mu.Lock()
	cancel, ok := r.active[runID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
}

var _ Runner = (*ExecRunner)(nil)
