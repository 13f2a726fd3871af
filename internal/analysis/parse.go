package analysis

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Contract limits applied to every parsed result.
const (
	MaxExplanationLen = 260
	MaxMatchedTerms   = 6
	MaxEvidence       = 4
)

// FailedExplanation marks an issue whose analysis exhausted its retries.
// The issue still counts as pending, so finalization can later replace
// the marker with a determinate placeholder.
const FailedExplanation = "Analysis failed after retries."

var (
	openFencePattern  = regexp.MustCompile("(?i)^\\s*```(?:json)?")
	closeFencePattern = regexp.MustCompile("```\\s*$")

	scoreFallbackPattern       = regexp.MustCompile(`"relevanceScore"\s*:\s*(\d+)`)
	explanationFallbackPattern = regexp.MustCompile(`"explanation"\s*:\s*"([^"]{0,260})"`)
)

// rawResult mirrors the JSON shape the model is instructed to emit.
type rawResult struct {
	RelevanceScore json.Number `json:"relevanceScore"`
	Explanation    string      `json:"explanation"`
	MatchedTerms   []string    `json:"matchedTerms"`
	Evidence       []string    `json:"evidence"`
}

// StripFences removes a leading ``` or ```json fence and a trailing ```
// from the model output, if present.
func StripFences(s string) string {
	s = openFencePattern.ReplaceAllString(s, "")
	s = closeFencePattern.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// EnsureTerminalPunctuation trims the string and appends a period unless
// it already ends with '.', '!' or '?'. Applying it twice is a no-op.
func EnsureTerminalPunctuation(s string) string {
	t := strings.TrimSpace(s)
	if t == "" {
		return t
	}
	switch t[len(t)-1] {
	case '.', '!', '?':
		return t
	default:
		return t + "."
	}
}

// EnforceNonMultipleOfFive nudges scores off multiples of five, which the
// model otherwise over-produces. 0 and 100 pass through; any other
// multiple of five moves by one in a direction derived from salt. The
// result stays within [0, 100] and the function is a fixed point on its
// own output.
func EnforceNonMultipleOfFive(n, salt int) int {
	clamped := n
	if clamped < 0 {
		clamped = 0
	}
	if clamped > 100 {
		clamped = 100
	}
	if clamped == 0 || clamped == 100 || clamped%5 != 0 {
		return clamped
	}
	if salt%2 == 0 {
		return clamped + 1
	}
	return clamped - 1
}

// ParseResult parses LLM output into a Result using a two-tier strategy:
// a strict JSON parse first, then a tolerant pattern extraction. Both
// tiers apply the contract limits. An error is returned only when neither
// tier can recover a result.
func ParseResult(text string) (*Result, error) {
	clean := StripFences(text)
	if clean == "" {
		return nil, ErrEmptyResponse
	}

	var raw rawResult
	if err := json.Unmarshal([]byte(clean), &raw); err == nil {
		score := 0
		if raw.RelevanceScore != "" {
			if f, err := raw.RelevanceScore.Float64(); err == nil {
				score = clampScore(int(f + 0.5))
			}
		}
		return &Result{
			RelevanceScore: score,
			Explanation:    EnsureTerminalPunctuation(truncate(raw.Explanation, MaxExplanationLen)),
			MatchedTerms:   capSlice(raw.MatchedTerms, MaxMatchedTerms),
			Evidence:       capSlice(raw.Evidence, MaxEvidence),
		}, nil
	}

	// Tolerant tier: pull the two load-bearing fields out of whatever the
	// model wrapped them in.
	scoreMatch := scoreFallbackPattern.FindStringSubmatch(clean)
	explMatch := explanationFallbackPattern.FindStringSubmatch(clean)
	if scoreMatch == nil && explMatch == nil {
		return nil, fmt.Errorf("%w: no recognizable fields in output", ErrMalformedResponse)
	}

	result := &Result{}
	if scoreMatch != nil {
		n, err := strconv.Atoi(scoreMatch[1])
		if err != nil {
			return nil, fmt.Errorf("%w: unparseable score %q", ErrMalformedResponse, scoreMatch[1])
		}
		result.RelevanceScore = clampScore(n)
	}
	if explMatch != nil {
		result.Explanation = EnsureTerminalPunctuation(explMatch[1])
	} else {
		result.Explanation = EnsureTerminalPunctuation("Unable to analyze")
	}

	return result, nil
}

func clampScore(n int) int {
	if n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return n
}

// truncate cuts s to at most limit bytes without splitting a UTF-8
// sequence, backing up to the nearest rune boundary.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func capSlice(s []string, limit int) []string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
