package coordinator

import (
	"fmt"
	"strings"
	"time"
)

// maxActionLines bounds how many recent progress lines a progress message
// shows.
const maxActionLines = 5

// progressState accumulates what the engine has reported so far for one
// run. It is only touched by the run's own goroutine.
type progressState struct {
	engine    string
	project   string
	branch    string
	startedAt time.Time
	lines     []string
	count     int
}

func (p *progressState) add(line string) {
	p.count++
	p.lines = append(p.lines, line)
	if len(p.lines) > maxActionLines {
		p.lines = p.lines[len(p.lines)-maxActionLines:]
	}
}

// renderProgress renders the single editable progress message:
// a header, the most recent action lines, and a context footer.
func (p *progressState) renderProgress(now time.Time) string {
	return assembleSections(
		p.header("working", now),
		strings.Join(p.lines, "\n"),
		p.footer(),
	)
}

// renderFinal renders the terminal edit for a completed, failed, or
// cancelled run.
func (p *progressState) renderFinal(status, answer string, now time.Time) string {
	return assembleSections(
		p.header(status, now),
		strings.TrimSpace(answer),
		p.footer(),
	)
}

func (p *progressState) header(label string, now time.Time) string {
	parts := []string{label, p.engine, formatElapsed(now.Sub(p.startedAt))}
	if p.count > 0 {
		parts = append(parts, fmt.Sprintf("step %d", p.count))
	}
	return strings.Join(parts, " · ")
}

func (p *progressState) footer() string {
	if p.project == "" {
		return ""
	}
	if p.branch == "" {
		return fmt.Sprintf("`%s`", p.project)
	}
	return fmt.Sprintf("`%s` @ `%s`", p.project, p.branch)
}

func assembleSections(sections ...string) string {
	var kept []string
	for _, s := range sections {
		if s != "" {
			kept = append(kept, s)
		}
	}
	return strings.Join(kept, "\n\n")
}

func formatElapsed(d time.Duration) string {
	total := int(d.Seconds())
	if total < 0 {
		total = 0
	}
	hours := total / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60
	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %02dm", hours, minutes)
	case minutes > 0:
		return fmt.Sprintf("%dm %02ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}
