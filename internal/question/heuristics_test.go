package question

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultPresentsQuestion(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"I've asked you a few questions to clarify the scope.", true},
		{"Please answer the questions above so I can continue.", true},
		{"I'm waiting for your answer before I proceed.", true},
		{"Let me ask about the deployment target.", true},
		{"I updated the handler and added tests.", false},
		{"The question of caching is out of scope.", false},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, DefaultPresentsQuestion(tt.text))
		})
	}
}

func TestDefaultAsksForInput(t *testing.T) {
	tests := []struct {
		name string
		tail []string
		want bool
	}{
		{"trailing question", []string{"Implemented the parser.", "Should the CLI flag be named --dry-run?"}, true},
		{"explicit request", []string{"Two options exist.", "Please let me know which you prefer.", "Thanks."}, true},
		{"bold trailing question", []string{"**Do you want me to add the migration too?**"}, true},
		{"plain completion", []string{"All tasks are done.", "Story marked complete."}, false},
		{"question inside code fence", []string{"Done.", "```go\n// why?\n```"}, false},
		{"old question beyond tail", []string{"Which one do you want?", "a", "b", "c", "Finished."}, false},
		{"empty", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DefaultAsksForInput(tt.tail))
		})
	}
}

func TestDisabledHeuristics(t *testing.T) {
	h := DisabledHeuristics()
	assert.False(t, h.PresentsQuestion("Please answer the questions above"))
	assert.False(t, h.AsksForInput([]string{"Continue?"}))
}
