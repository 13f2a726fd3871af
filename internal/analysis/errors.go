package analysis

import "errors"

// Common errors returned by the analysis package
var (
	// ErrAnalysisFailed is returned when an analysis call fails for any general reason
	ErrAnalysisFailed = errors.New("failed to analyze issue")

	// ErrEmptyResponse is returned when the LLM produces no content
	ErrEmptyResponse = errors.New("empty response from language model")

	// ErrMalformedResponse is returned when the LLM response cannot be parsed
	// even by the tolerant extraction tier
	ErrMalformedResponse = errors.New("malformed response from language model")

	// ErrRateLimited is returned when the LLM provider rejects a call for
	// exceeding its rate limits; callers should requeue and back off
	ErrRateLimited = errors.New("language model rate limit exceeded")

	// ErrInvalidConfig is returned when the analyzer configuration is invalid
	ErrInvalidConfig = errors.New("invalid analyzer configuration")
)
