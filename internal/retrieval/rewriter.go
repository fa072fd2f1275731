package retrieval

import (
	"context"
	"log/slog"
	"strings"

	"github.com/veritwin/veritwin/internal/llm"
)

// Rewriter turns context-dependent follow-up questions ("what about him?")
// into standalone form using conversation history. Rewriting is best-effort:
// any failure or implausible output falls back to the original query, so it
// can never make retrieval worse than the no-rewrite baseline.
type Rewriter struct {
	generator llm.TextGenerator
	logger    *slog.Logger
}

// NewRewriter creates a query rewriter. generator may be nil, in which case
// Rewrite always returns the original query.
func NewRewriter(generator llm.TextGenerator, logger *slog.Logger) *Rewriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rewriter{generator: generator, logger: logger}
}

const rewritePrompt = `Rewrite the follow-up question as a standalone question using the conversation so far. Resolve pronouns and elided subjects. Output only the rewritten question, nothing else.

Conversation:
%HISTORY%

Follow-up question: %QUESTION%

Standalone question:`

// Rewrite returns the standalone form of query, or query itself when no
// rewrite is needed or possible.
func (r *Rewriter) Rewrite(ctx context.Context, query string, history []string) string {
	if r.generator == nil || len(history) == 0 || !looksContextDependent(query) {
		return query
	}

	prompt := strings.Replace(rewritePrompt, "%HISTORY%", strings.Join(history, "\n"), 1)
	prompt = strings.Replace(prompt, "%QUESTION%", query, 1)

	rewritten, err := r.generator.Complete(ctx, prompt)
	if err != nil {
		r.logger.Warn("query rewrite failed, using original", "error", err)
		return query
	}

	rewritten = strings.TrimSpace(strings.Trim(strings.TrimSpace(rewritten), `"`))
	if !plausibleRewrite(query, rewritten) {
		r.logger.Debug("query rewrite implausible, using original", "rewritten", rewritten)
		return query
	}
	return rewritten
}

// looksContextDependent applies cheap heuristics: dangling pronouns, very
// short follow-ups, and leading conjunctions all suggest the question leans
// on prior turns.
func looksContextDependent(query string) bool {
	lower := strings.ToLower(strings.TrimSpace(query))
	words := strings.Fields(lower)
	if len(words) == 0 {
		return false
	}
	if len(words) <= 3 {
		return true
	}

	pronouns := map[string]bool{
		"it": true, "its": true, "he": true, "him": true, "his": true,
		"she": true, "her": true, "they": true, "them": true, "their": true,
		"that": true, "those": true, "this": true, "these": true, "there": true,
	}
	for _, w := range words {
		if pronouns[strings.Trim(w, "?.,!")] {
			return true
		}
	}

	starters := []string{"and ", "but ", "what about", "how about", "why not", "also "}
	for _, s := range starters {
		if strings.HasPrefix(lower, s) {
			return true
		}
	}
	return false
}

// plausibleRewrite rejects rewrites that are empty, multi-line, or wildly
// longer than the input — typical symptoms of the model answering the
// question instead of rewriting it.
func plausibleRewrite(original, rewritten string) bool {
	if rewritten == "" || strings.Contains(rewritten, "\n") {
		return false
	}
	if len(rewritten) > 4*len(original)+200 {
		return false
	}
	return true
}
