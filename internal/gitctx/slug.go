package gitctx

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	claudeagent "github.com/kazz187/claude-agent-sdk-go"
)

const (
	BranchPrefix = "feature/"
	maxSlugLen   = 40
)

var (
	slugMultiHyphen = regexp.MustCompile(`-{2,}`)
	specDatePrefix  = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}-`)
)

// Translator turns a title that has no ASCII slug into an English one.
type Translator interface {
	TranslateSlug(ctx context.Context, title, workDir string) string
}

// slugifyASCII keeps lowercased ASCII alphanumerics and collapses
// everything else into single hyphens.
func slugifyASCII(s string) string {
	var sb strings.Builder
	prevHyphen := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
			prevHyphen = false
		} else if !prevHyphen {
			sb.WriteRune('-')
			prevHyphen = true
		}
	}
	slug := strings.Trim(sb.String(), "-")
	return slugMultiHyphen.ReplaceAllString(slug, "-")
}

// BranchName derives feature/<slug> from the spec id without its date
// prefix. A spec id with too little ASCII is translated from the title.
func BranchName(ctx context.Context, specID, title, workDir string, tr Translator) string {
	slug := slugifyASCII(specDatePrefix.ReplaceAllString(specID, ""))
	if len(slug) < 4 && tr != nil {
		source := title
		if source == "" {
			source = specDatePrefix.ReplaceAllString(specID, "")
		}
		if en := tr.TranslateSlug(ctx, source, workDir); en != "" {
			slug = en
		}
	}
	if slug == "" {
		slug = slugifyASCII(specID)
	}
	if len(slug) > maxSlugLen {
		slug = strings.TrimRight(slug[:maxSlugLen], "-")
	}
	return BranchPrefix + slug
}

// ClaudeTranslator asks a one-turn agent query for the slug.
type ClaudeTranslator struct {
	Timeout time.Duration
}

func (t ClaudeTranslator) TranslateSlug(ctx context.Context, title, workDir string) string {
	prompt := fmt.Sprintf(
		"Translate the following title into a short English slug for a git branch name. "+
			"Output ONLY the slug (lowercase, hyphens, no spaces, max 30 chars). No explanation.\n\nTitle: %s",
		title,
	)
	maxTurns := 1
	opts := &claudeagent.ClaudeAgentOptions{
		SystemPrompt: "You are a translation assistant. Output only the requested slug, nothing else.",
		Cwd:          workDir,
		MaxTurns:     &maxTurns,
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := claudeagent.RunQuerySync(timeoutCtx, prompt, opts)
	if err != nil || result.Result == nil {
		slog.WarnContext(ctx, "failed to translate branch slug", "title", title, "error", err)
		return ""
	}
	return slugifyASCII(strings.TrimSpace(result.Result.Result))
}
