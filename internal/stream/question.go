package stream

import (
	"encoding/json"
	"strings"

	"github.com/kazz187/storyguild/internal/question"
)

// QuestionToolName is the interactive question tool of the agent.
const QuestionToolName = "AskUserQuestion"

func IsQuestionTool(b ToolUseBlock) bool {
	return b.Name == QuestionToolName
}

// HasQuestionTool reports whether the assistant message calls the question
// tool.
func (a AssistantEvent) HasQuestionTool() bool {
	for _, u := range a.ToolUses() {
		if IsQuestionTool(u) {
			return true
		}
	}
	return false
}

type questionInput struct {
	Questions []question.SubQuestion `json:"questions"`
}

// DecodeQuestions reads the question tool input. Sub-questions with empty
// text are dropped; ok is false when nothing answerable remains.
func DecodeQuestions(b ToolUseBlock) (question.PendingQuestion, bool) {
	pq := question.PendingQuestion{GroupID: b.ID}
	if !IsQuestionTool(b) || b.Input == nil {
		return pq, false
	}
	data, err := json.Marshal(b.Input)
	if err != nil {
		return pq, false
	}
	var in questionInput
	if err := json.Unmarshal(data, &in); err != nil {
		return pq, false
	}
	for _, q := range in.Questions {
		if strings.TrimSpace(q.Question) == "" {
			continue
		}
		pq.Questions = append(pq.Questions, q)
	}
	return pq, len(pq.Questions) > 0
}
