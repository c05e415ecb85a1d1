package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDescribeTool(t *testing.T) {
	tests := []struct {
		name     string
		tool     string
		input    map[string]any
		contains []string
	}{
		{"bash", "Bash", map[string]any{"command": "go test ./...", "description": "Run tests"},
			[]string{"**Tool:** `Bash`", "**Description:** Run tests", "```bash\ngo test ./...\n```"}},
		{"write", "Write", map[string]any{"file_path": "main.go", "content": "package main"},
			[]string{"**File:** `main.go`", "```go\npackage main\n```"}},
		{"grep", "Grep", map[string]any{"pattern": "TODO", "path": "internal"},
			[]string{"**Pattern:** `TODO`", "**Path:** `internal`"}},
		{"unknown tool", "mcp__board__update", map[string]any{"story": "story-1"},
			[]string{"```json", `"story": "story-1"`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DescribeTool(tt.tool, tt.input)
			for _, want := range tt.contains {
				assert.Contains(t, got, want)
			}
		})
	}
}

func TestEditDiff(t *testing.T) {
	diff := EditDiff("/src/app.go", "a := 1\nb := 2", "a := 1\nb := 3")
	assert.Contains(t, diff, "--- a/src/app.go")
	assert.Contains(t, diff, "+++ b/src/app.go")
	assert.Contains(t, diff, "-b := 2")
	assert.Contains(t, diff, "+b := 3")
	assert.Contains(t, diff, " a := 1")

	assert.Empty(t, EditDiff("x", "", ""))
	assert.Contains(t, DescribeTool("Edit", map[string]any{"file_path": "x.go", "old_string": "a", "new_string": "b"}), "```diff")
}
