package persona

import (
	_ "embed"
	"strings"
)

//go:embed knowledge.md
var knowledgeBase string

// KnowledgeBase returns the full sales methodology used to ground both the
// live persona and the scoring request.
func KnowledgeBase() string {
	return knowledgeBase
}

// KnowledgeExcerpt returns at most maxChars of the knowledge base, cut at a
// line boundary. A non-positive maxChars returns the whole text.
func KnowledgeExcerpt(maxChars int) string {
	if maxChars <= 0 || len(knowledgeBase) <= maxChars {
		return knowledgeBase
	}
	cut := knowledgeBase[:maxChars]
	if i := strings.LastIndexByte(cut, '\n'); i > 0 {
		cut = cut[:i]
	}
	return cut
}
