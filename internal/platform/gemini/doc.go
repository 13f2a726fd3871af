// Package gemini implements the analysis.Analyzer interface using
// Google's Gemini API. It builds the relevance prompt for one issue,
// calls the model with retry and timeout handling, and normalizes the
// JSON verdict through the analysis package.
package gemini
