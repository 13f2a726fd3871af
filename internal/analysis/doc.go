// Package analysis defines the contract between the application core and
// the LLM service that scores issues: the Analyzer interface, the Result
// shape with its field limits, the two-tier output parser, and the score
// and explanation normalization policies.
package analysis
