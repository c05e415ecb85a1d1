package question

import (
	"regexp"
	"strings"
)

// Heuristics are best-effort text filters. They decide presentation only and
// are not a correctness guarantee; tests replace or disable them freely.
type Heuristics struct {
	// PresentsQuestion reports whether assistant text merely announces a
	// question that is already queued for the operator.
	PresentsQuestion func(text string) bool
	// AsksForInput reports whether the tail of the output asks the operator
	// for free-text input without a question tool call.
	AsksForInput func(tail []string) bool
}

var (
	presentingPattern = regexp.MustCompile(`(?i)(` +
		`\bi(?:'ve| have| will|'ll| need to)? (?:ask(?:ed)?|present(?:ed)?|raise[ds]?) (?:you )?(?:a |some |the |these |few |following |clarifying )*questions?` +
		`|\bquestions? (?:above|below|for you)\b` +
		`|\bplease (?:answer|select|choose|pick) (?:the |an |one |from )` +
		`|\bwaiting for your (?:answer|response|input|selection)` +
		`|\blet me ask\b` +
		`)`)

	inputRequestPattern = regexp.MustCompile(`(?i)(` +
		`\bplease (?:let me know|confirm|provide|specify|clarify|tell me)\b` +
		`|\bwhich (?:option|one|approach) (?:would|do|should) (?:you|we)\b` +
		`|\bwould you (?:like|prefer) (?:me )?to\b` +
		`|\bshould i (?:proceed|continue|go ahead)\b` +
		`|\bdo you want me to\b` +
		`|\bawaiting your (?:input|confirmation|decision)\b` +
		`)`)
)

// DefaultPresentsQuestion matches phrases such as "I've asked you a few
// questions" or "please answer the questions above".
func DefaultPresentsQuestion(text string) bool {
	return presentingPattern.MatchString(text)
}

// inputTailLines is how many trailing non-empty lines AsksForInput inspects.
const inputTailLines = 3

// DefaultAsksForInput looks at the last few non-empty lines: a trailing
// question mark on the final line, or an explicit request for input in any of
// them. Question marks inside code fences do not count.
func DefaultAsksForInput(tail []string) bool {
	lines := lastTextLines(tail, inputTailLines)
	if len(lines) == 0 {
		return false
	}
	last := lines[len(lines)-1]
	if strings.HasSuffix(strings.TrimRight(last, " *_)"), "?") {
		return true
	}
	for _, l := range lines {
		if inputRequestPattern.MatchString(l) {
			return true
		}
	}
	return false
}

func lastTextLines(tail []string, n int) []string {
	var all []string
	inFence := false
	for _, chunk := range tail {
		for _, l := range strings.Split(chunk, "\n") {
			trimmed := strings.TrimSpace(l)
			if strings.HasPrefix(trimmed, "```") {
				inFence = !inFence
				continue
			}
			if inFence || trimmed == "" {
				continue
			}
			all = append(all, trimmed)
		}
	}
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return all
}

func DefaultHeuristics() Heuristics {
	return Heuristics{
		PresentsQuestion: DefaultPresentsQuestion,
		AsksForInput:     DefaultAsksForInput,
	}
}

// DisabledHeuristics never match.
func DisabledHeuristics() Heuristics {
	return Heuristics{
		PresentsQuestion: func(string) bool { return false },
		AsksForInput:     func([]string) bool { return false },
	}
}
