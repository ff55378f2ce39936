// Package directive extracts the project/branch pair a message declares.
// Only the first line is scanned: a token prefixed with "/" names the
// project, a token prefixed with "@" names the branch. Everything left is
// the prompt.
package directive

import "strings"

// Directive is the project/branch pair a root message must declare.
type Directive struct {
	Project string
	Branch  string
}

// Result is the outcome of parsing one message.
type Result struct {
	// Found is set when the first line carried a usable directive.
	Found     bool
	Directive Directive
	// Prompt is the message text with directive tokens removed.
	Prompt string
}

// Parse scans text for a directive. On a root message an absent directive
// means the message was not directed at the bridge; the caller ignores it
// silently. On a thread reply an absent directive is valid — the caller
// falls back to the stored session, while a present one updates it.
func Parse(text string) Result {
	text = strings.TrimSpace(text)
	firstLine, rest, hasRest := strings.Cut(text, "\n")

	var d Directive
	var remainder []string
	for _, token := range strings.Fields(firstLine) {
		switch {
		case strings.HasPrefix(token, "/") && len(token) > 1 && d.Project == "":
			d.Project = token[1:]
		case strings.HasPrefix(token, "@") && len(token) > 1 && d.Branch == "":
			d.Branch = token[1:]
		default:
			remainder = append(remainder, token)
		}
	}

	// A branch alone is not a directive; it is most likely a mention of
	// someone else.
	if d.Project == "" {
		return Result{Prompt: text}
	}

	prompt := strings.Join(remainder, " ")
	if hasRest {
		if prompt == "" {
			prompt = strings.TrimSpace(rest)
		} else {
			prompt = prompt + "\n" + strings.TrimSpace(rest)
		}
	}
	return Result{
		Found:     true,
		Directive: d,
		Prompt:    strings.TrimSpace(prompt),
	}
}
