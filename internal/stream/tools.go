package stream

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

func inputString(input map[string]any, key string) string {
	if v, ok := input[key].(string); ok {
		return v
	}
	return ""
}

// DescribeTool renders a tool call as markdown for the tool-invoked notice.
func DescribeTool(name string, input map[string]any) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "**Tool:** `%s`\n", name)

	switch name {
	case "Bash":
		if desc := inputString(input, "description"); desc != "" {
			fmt.Fprintf(&sb, "**Description:** %s\n", desc)
		}
		if cmd := inputString(input, "command"); cmd != "" {
			fmt.Fprintf(&sb, "\n```bash\n%s\n```\n", cmd)
		}

	case "Edit":
		filePath := inputString(input, "file_path")
		if filePath != "" {
			fmt.Fprintf(&sb, "**File:** `%s`\n", filePath)
		}
		if diff := EditDiff(filePath, inputString(input, "old_string"), inputString(input, "new_string")); diff != "" {
			fmt.Fprintf(&sb, "\n```diff\n%s```\n", diff)
		}

	case "Write":
		filePath := inputString(input, "file_path")
		if filePath != "" {
			fmt.Fprintf(&sb, "**File:** `%s`\n", filePath)
		}
		if content := inputString(input, "content"); content != "" {
			fmt.Fprintf(&sb, "\n```%s\n%s\n```\n", languageOf(filePath), content)
		}

	case "Read":
		if filePath := inputString(input, "file_path"); filePath != "" {
			fmt.Fprintf(&sb, "**File:** `%s`\n", filePath)
		}

	case "Glob", "Grep":
		if pattern := inputString(input, "pattern"); pattern != "" {
			fmt.Fprintf(&sb, "**Pattern:** `%s`\n", pattern)
		}
		if p := inputString(input, "path"); p != "" {
			fmt.Fprintf(&sb, "**Path:** `%s`\n", p)
		}

	case "Task":
		if desc := inputString(input, "description"); desc != "" {
			fmt.Fprintf(&sb, "**Description:** %s\n", desc)
		}

	default:
		if len(input) > 0 {
			data, err := json.MarshalIndent(input, "", "  ")
			if err == nil {
				fmt.Fprintf(&sb, "\n```json\n%s\n```\n", data)
			}
		}
	}
	return sb.String()
}

// EditDiff renders an Edit tool call as a unified diff.
func EditDiff(filePath, oldStr, newStr string) string {
	if oldStr == "" && newStr == "" {
		return ""
	}
	name := filePath
	if name == "" {
		name = "file"
	}
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(ensureNewline(oldStr)),
		B:        difflib.SplitLines(ensureNewline(newStr)),
		FromFile: "a/" + strings.TrimPrefix(name, "/"),
		ToFile:   "b/" + strings.TrimPrefix(name, "/"),
		Context:  2,
	})
	if err != nil {
		return ""
	}
	return diff
}

func ensureNewline(s string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}

var languages = map[string]string{
	".go":   "go",
	".ts":   "typescript",
	".tsx":  "tsx",
	".js":   "javascript",
	".py":   "python",
	".rs":   "rust",
	".md":   "markdown",
	".yaml": "yaml",
	".yml":  "yaml",
	".json": "json",
	".sh":   "bash",
	".sql":  "sql",
}

func languageOf(path string) string {
	return languages[strings.ToLower(filepath.Ext(path))]
}
