package gemini

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"text/template"
	"time"

	"github.com/cenkalti/backoff/v4"
	"google.golang.org/genai"

	"github.com/issuewatch/issuewatch-api/internal/analysis"
	"github.com/issuewatch/issuewatch-api/internal/config"
	"github.com/issuewatch/issuewatch-api/internal/domain"
	"github.com/issuewatch/issuewatch-api/internal/platform/logger"
)

// maxBodyChars bounds how much of an issue body goes into the prompt.
const maxBodyChars = 3000

// maxOutputTokens caps the model's response size. The JSON verdict is
// small; anything larger is the model rambling.
const maxOutputTokens = 800

// GeminiAnalyzer implements the analysis.Analyzer interface using
// Google's Gemini API to score one issue against a keyword.
type GeminiAnalyzer struct {
	logger         *slog.Logger
	config         config.LLMConfig
	promptTemplate *template.Template
	client         *genai.Client
	model          string
}

// NewGeminiAnalyzer creates a new instance of GeminiAnalyzer with the
// provided dependencies.
func NewGeminiAnalyzer(ctx context.Context, logger *slog.Logger, cfg config.LLMConfig) (*GeminiAnalyzer, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("%w: gemini API key cannot be empty", analysis.ErrInvalidConfig)
	}
	if cfg.ModelName == "" {
		return nil, fmt.Errorf("%w: model name cannot be empty", analysis.ErrInvalidConfig)
	}

	promptTemplate, err := template.New("relevance").Parse(promptTemplateText)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse prompt template: %v", analysis.ErrInvalidConfig, err)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create Gemini client: %v", analysis.ErrInvalidConfig, err)
	}

	return &GeminiAnalyzer{
		logger:         logger.With(slog.String("component", "gemini_analyzer")),
		config:         cfg,
		promptTemplate: promptTemplate,
		client:         client,
		model:          cfg.ModelName,
	}, nil
}

// Ensure GeminiAnalyzer implements analysis.Analyzer
var _ analysis.Analyzer = (*GeminiAnalyzer)(nil)

// AnalyzeIssue implements analysis.Analyzer.AnalyzeIssue. The call is
// retried with exponential backoff for transient failures; rate-limit
// responses surface as analysis.ErrRateLimited without retrying so the
// caller can requeue the task instead of burning quota.
func (a *GeminiAnalyzer) AnalyzeIssue(ctx context.Context, keyword string, issue domain.Issue) (*analysis.Result, error) {
	log := logger.FromContextOrDefault(ctx, a.logger)

	prompt, err := a.buildPrompt(keyword, issue)
	if err != nil {
		return nil, err
	}

	if a.config.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(a.config.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	var text string
	operation := func() error {
		raw, callErr := a.generate(ctx, prompt)
		if callErr != nil {
			if errors.Is(callErr, analysis.ErrRateLimited) ||
				errors.Is(callErr, analysis.ErrEmptyResponse) {
				return backoff.Permanent(callErr)
			}
			log.Warn("gemini call failed, will retry",
				slog.String("error", callErr.Error()),
				slog.Int("issue_number", issue.Number))
			return callErr
		}
		text = raw
		return nil
	}

	delay := time.Duration(a.config.RetryDelaySeconds) * time.Second
	if delay <= 0 {
		delay = time.Second
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = delay
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(a.config.MaxRetries)), ctx)

	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}

	result, err := analysis.ParseResult(text)
	if err != nil {
		log.Warn("unparseable model response",
			slog.String("error", err.Error()),
			slog.Int("issue_number", issue.Number))
		return nil, err
	}
	result.RelevanceScore = analysis.EnforceNonMultipleOfFive(result.RelevanceScore, issue.Number)

	log.Debug("issue analyzed",
		slog.Int("issue_number", issue.Number),
		slog.Int("score", result.RelevanceScore))

	return result, nil
}

func (a *GeminiAnalyzer) generate(ctx context.Context, prompt string) (string, error) {
	cfg := &genai.GenerateContentConfig{
		Temperature:      genai.Ptr(float32(0.3)),
		MaxOutputTokens:  maxOutputTokens,
		ResponseMIMEType: "application/json",
	}

	resp, err := a.client.Models.GenerateContent(ctx, a.model, genai.Text(prompt), cfg)
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) && apiErr.Code == 429 {
			return "", fmt.Errorf("%w: %s", analysis.ErrRateLimited, apiErr.Message)
		}
		return "", fmt.Errorf("%w: %v", analysis.ErrAnalysisFailed, err)
	}

	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", analysis.ErrEmptyResponse
	}
	return text, nil
}

func (a *GeminiAnalyzer) buildPrompt(keyword string, issue domain.Issue) (string, error) {
	body := issue.Body
	if len(body) > maxBodyChars {
		body = body[:maxBodyChars]
	}
	labels := strings.Join(issue.Labels, ", ")
	if labels == "" {
		labels = "none"
	}

	var buf bytes.Buffer
	err := a.promptTemplate.Execute(&buf, promptData{
		Keyword: keyword,
		Title:   issue.Title,
		Labels:  labels,
		Body:    body,
	})
	if err != nil {
		return "", fmt.Errorf("failed to execute prompt template: %w", err)
	}
	return buf.String(), nil
}

type promptData struct {
	Keyword string
	Title   string
	Labels  string
	Body    string
}

const promptTemplateText = `You are ranking GitHub issues for relevance to the keyword: "{{.Keyword}}".

Rules:
- Consider TITLE (0.45), BODY (0.35), LABELS (0.20).
- Accept synonyms/aliases of the keyword.
- Prefer concrete evidence (error messages, API names).
- EXPLANATION: 1-2 sentences (220 chars), mention where match was found.
- CRITICAL: You MUST respond with valid JSON only, no markdown formatting, no explanations outside the JSON.

Respond ONLY with this exact JSON format:
{"relevanceScore": <0-100 integer not a multiple of 5>, "explanation": "<1-2 sentences, 80-220 chars>", "matchedTerms": ["..."], "evidence": ["<short excerpt or reason>"]}

Issue:
TITLE: {{.Title}}
LABELS: {{.Labels}}
BODY:
{{.Body}}`
