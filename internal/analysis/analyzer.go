package analysis

import (
	"context"

	"github.com/issuewatch/issuewatch-api/internal/domain"
)

// Analyzer defines the interface for scoring an issue's relevance to a
// keyword. It is the boundary between the application core and the
// external LLM service.
type Analyzer interface {
	// AnalyzeIssue scores the given issue against the keyword.
	// Implementations must honor ctx cancellation and deadlines; a call
	// that exceeds its deadline returns an error rather than hanging.
	AnalyzeIssue(ctx context.Context, keyword string, issue domain.Issue) (*Result, error)
}

// Result is the structured outcome of one analysis call. Field limits are
// enforced by ParseResult: explanations are truncated to
// MaxExplanationLen and end with terminal punctuation, matched terms and
// evidence are cut to MaxMatchedTerms/MaxEvidence entries.
type Result struct {
	RelevanceScore int      `json:"relevanceScore"`
	Explanation    string   `json:"explanation"`
	MatchedTerms   []string `json:"matchedTerms,omitempty"`
	Evidence       []string `json:"evidence,omitempty"`
}
