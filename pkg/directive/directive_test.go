package directive

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name       string
		text       string
		wantFound  bool
		wantProj   string
		wantBranch string
		wantPrompt string
	}{
		{
			name:       "project and branch with prompt",
			text:       "/takopi @main fix the bug",
			wantFound:  true,
			wantProj:   "takopi",
			wantBranch: "main",
			wantPrompt: "fix the bug",
		},
		{
			name:       "project without branch",
			text:       "/takopi run the linter",
			wantFound:  true,
			wantProj:   "takopi",
			wantPrompt: "run the linter",
		},
		{
			name:       "no directive",
			text:       "just a normal message",
			wantPrompt: "just a normal message",
		},
		{
			name:       "branch alone is not a directive",
			text:       "@main looks good to me",
			wantPrompt: "@main looks good to me",
		},
		{
			name:       "directive only on first line",
			text:       "please review\n/takopi @main",
			wantPrompt: "please review\n/takopi @main",
		},
		{
			name:       "multiline prompt",
			text:       "/takopi @dev do this:\n- step one\n- step two",
			wantFound:  true,
			wantProj:   "takopi",
			wantBranch: "dev",
			wantPrompt: "do this:\n- step one\n- step two",
		},
		{
			name:       "prompt entirely on later lines",
			text:       "/takopi @main\nfix the flaky test",
			wantFound:  true,
			wantProj:   "takopi",
			wantBranch: "main",
			wantPrompt: "fix the flaky test",
		},
		{
			name:       "bare slash is not a project",
			text:       "/ @main hello",
			wantPrompt: "/ @main hello",
		},
		{
			name: "empty text",
			text: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Parse(tt.text)
			assert.Equal(t, tt.wantFound, got.Found)
			assert.Equal(t, tt.wantProj, got.Directive.Project)
			assert.Equal(t, tt.wantBranch, got.Directive.Branch)
			assert.Equal(t, tt.wantPrompt, got.Prompt)
		})
	}
}

func TestParseFirstTokenWins(t *testing.T) {
	got := Parse("/one /two @a @b go")
	assert.True(t, got.Found)
	assert.Equal(t, "one", got.Directive.Project)
	assert.Equal(t, "a", got.Directive.Branch)
	assert.Equal(t, "/two @b go", got.Prompt)
}
