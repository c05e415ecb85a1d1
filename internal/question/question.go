// Package question accumulates the clarification questions an agent asks
// during one process lifetime and turns them into a single answerable batch.
package question

import (
	"fmt"
	"strings"
)

type Option struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

type SubQuestion struct {
	Question    string   `json:"question"`
	Header      string   `json:"header"`
	Options     []Option `json:"options,omitempty"`
	MultiSelect bool     `json:"multiSelect,omitempty"`
}

// PendingQuestion is one interactive question tool call. GroupID is the
// tool-use id the agent assigned.
type PendingQuestion struct {
	GroupID   string        `json:"group_id"`
	Questions []SubQuestion `json:"questions"`
}

// Item is one answerable entry of a Batch.
type Item struct {
	ID          string   `json:"id"`
	GroupID     string   `json:"group_id"`
	Header      string   `json:"header"`
	Question    string   `json:"question"`
	Options     []Option `json:"options,omitempty"`
	MultiSelect bool     `json:"multi_select,omitempty"`
	// FreeText marks an item synthesized from prose output rather than a
	// question tool call.
	FreeText bool `json:"free_text,omitempty"`
}

type Batch struct {
	ID    string `json:"id"`
	Items []Item `json:"items"`
}

func (b *Batch) item(id string) (Item, bool) {
	for _, it := range b.Items {
		if it.ID == id {
			return it, true
		}
	}
	return Item{}, false
}

// ItemID is the group id for single-question groups and groupID:index
// otherwise.
func ItemID(groupID string, index, groupSize int) string {
	if groupSize == 1 {
		return groupID
	}
	return fmt.Sprintf("%s:%d", groupID, index)
}

type dedupeKey struct {
	header   string
	question string
}

// Flatten expands every pending question into items and drops items whose
// (header, question) pair was already seen, keeping the first occurrence.
func Flatten(pending []PendingQuestion) []Item {
	seen := make(map[dedupeKey]bool)
	var items []Item
	for _, pq := range pending {
		for i, sq := range pq.Questions {
			key := dedupeKey{header: strings.TrimSpace(sq.Header), question: strings.TrimSpace(sq.Question)}
			if seen[key] {
				continue
			}
			seen[key] = true
			items = append(items, Item{
				ID:          ItemID(pq.GroupID, i, len(pq.Questions)),
				GroupID:     pq.GroupID,
				Header:      sq.Header,
				Question:    sq.Question,
				Options:     sq.Options,
				MultiSelect: sq.MultiSelect,
			})
		}
	}
	return items
}

const noAnswer = "(no answer provided)"

// Combine renders the answers as one response for the agent. Each item is
// prefixed by its header and question so the agent can match them up.
func Combine(b *Batch, answers map[string]string) string {
	if len(b.Items) == 1 && b.Items[0].FreeText {
		return strings.TrimSpace(answers[b.Items[0].ID])
	}
	var sb strings.Builder
	sb.WriteString("Here are my answers to your questions:\n")
	for i, it := range b.Items {
		answer := strings.TrimSpace(answers[it.ID])
		if answer == "" {
			answer = noAnswer
		}
		sb.WriteString("\n")
		if it.Header != "" {
			fmt.Fprintf(&sb, "%d. [%s] %s\n", i+1, it.Header, it.Question)
		} else {
			fmt.Fprintf(&sb, "%d. %s\n", i+1, it.Question)
		}
		fmt.Fprintf(&sb, "Answer: %s\n", answer)
	}
	return sb.String()
}
