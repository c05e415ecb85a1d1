// Package stream decodes the newline-delimited JSON an agent process writes
// to stdout in stream-json mode.
package stream

// Event is one decoded stdout line. The set of implementations is closed.
type Event interface {
	isEvent()
}

// ContentBlock is one block of an assistant or user message.
type ContentBlock interface {
	isContentBlock()
}

type TextBlock struct {
	Text string
}

func (TextBlock) isContentBlock() {}

type ThinkingBlock struct {
	Thinking string
}

func (ThinkingBlock) isContentBlock() {}

type ToolUseBlock struct {
	ID    string
	Name  string
	Input map[string]any
}

func (ToolUseBlock) isContentBlock() {}

type ToolResultBlock struct {
	ToolUseID string
	Content   string
	IsError   bool
}

func (ToolResultBlock) isContentBlock() {}

type SystemEvent struct {
	Subtype   string
	SessionID string
	Model     string
	Cwd       string
}

func (SystemEvent) isEvent() {}

type AssistantEvent struct {
	MessageID string
	SessionID string
	Content   []ContentBlock
}

func (AssistantEvent) isEvent() {}

// Texts returns the text blocks in order.
func (a AssistantEvent) Texts() []string {
	var texts []string
	for _, b := range a.Content {
		if t, ok := b.(TextBlock); ok && t.Text != "" {
			texts = append(texts, t.Text)
		}
	}
	return texts
}

// ToolUses returns the tool-use blocks in order.
func (a AssistantEvent) ToolUses() []ToolUseBlock {
	var uses []ToolUseBlock
	for _, b := range a.Content {
		if u, ok := b.(ToolUseBlock); ok {
			uses = append(uses, u)
		}
	}
	return uses
}

type UserEvent struct {
	SessionID string
	Content   []ContentBlock
}

func (UserEvent) isEvent() {}

func (u UserEvent) ToolResults() []ToolResultBlock {
	var results []ToolResultBlock
	for _, b := range u.Content {
		if r, ok := b.(ToolResultBlock); ok {
			results = append(results, r)
		}
	}
	return results
}

type ResultEvent struct {
	Subtype      string
	SessionID    string
	IsError      bool
	Result       string
	NumTurns     int
	DurationMs   int
	TotalCostUSD float64
}

func (ResultEvent) isEvent() {}

type ErrorEvent struct {
	Message string
}

func (ErrorEvent) isEvent() {}

// UnrecognizedLine is any stdout line that is not a known JSON event.
type UnrecognizedLine struct {
	Line string
	// Reason is empty for non-JSON text and names the problem otherwise.
	Reason string
}

func (UnrecognizedLine) isEvent() {}
