// Package github fetches repository issues from the GitHub REST API and
// maps them into domain issues. Pagination is exposed through opaque
// cursors so callers never depend on the API's page model.
package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	gh "github.com/google/go-github/v53/github"
	"golang.org/x/oauth2"

	"github.com/issuewatch/issuewatch-api/internal/domain"
	"github.com/issuewatch/issuewatch-api/internal/platform/logger"
)

// Typed errors returned by the issue source. Callers branch on these
// with errors.Is instead of inspecting messages.
var (
	ErrAuthFailed   = errors.New("github authentication failed")
	ErrRepoNotFound = errors.New("github repository not found")
	ErrBadCursor    = errors.New("invalid pagination cursor")
)

// lowQuotaThreshold is the remaining-request floor below which the
// client sleeps until the quota window resets before returning.
const lowQuotaThreshold = 100

// IssuePage is one page of issues plus the pagination and quota state
// observed while fetching it.
type IssuePage struct {
	Issues        []domain.Issue
	NextCursor    string
	HasNextPage   bool
	RateRemaining int
	RateReset     time.Time
}

// IssueSource defines the capability to fetch one page of a repository's
// issues. An empty afterCursor starts from the first page.
type IssueSource interface {
	FetchIssuesPage(ctx context.Context, repoURL string, pageSize int, afterCursor string) (*IssuePage, error)
}

// Client implements IssueSource against api.github.com.
type Client struct {
	gh     *gh.Client
	logger *slog.Logger

	// sleep is replaced in tests to avoid real quota waits.
	sleep func(ctx context.Context, d time.Duration)
}

// NewClient creates an issue source authenticated with the given token.
// An empty token yields an unauthenticated client with a much smaller
// API quota.
func NewClient(token string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	var httpClient *http.Client
	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		httpClient = oauth2.NewClient(context.Background(), ts)
	}

	return &Client{
		gh:     gh.NewClient(httpClient),
		logger: logger.With(slog.String("component", "github_client")),
		sleep:  sleepCtx,
	}
}

// NewClientWithHTTP creates an issue source over a caller-supplied HTTP
// client and base URL. Used by tests to point at a local server.
func NewClientWithHTTP(httpClient *http.Client, baseURL string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := gh.NewEnterpriseClient(baseURL, baseURL, httpClient)
	if err != nil {
		return nil, fmt.Errorf("failed to create github client: %w", err)
	}
	return &Client{
		gh:     client,
		logger: logger.With(slog.String("component", "github_client")),
		sleep:  sleepCtx,
	}, nil
}

// Ensure Client implements IssueSource
var _ IssueSource = (*Client)(nil)

// FetchIssuesPage implements IssueSource.FetchIssuesPage. Issues are
// listed oldest first in all states; pull requests share the issues
// endpoint and are filtered out, so a page may carry fewer issues than
// pageSize.
func (c *Client) FetchIssuesPage(ctx context.Context, repoURL string, pageSize int, afterCursor string) (*IssuePage, error) {
	log := logger.FromContextOrDefault(ctx, c.logger)

	owner, repo, err := splitRepoURL(repoURL)
	if err != nil {
		return nil, err
	}

	page, err := decodeCursor(afterCursor)
	if err != nil {
		return nil, err
	}

	opts := &gh.IssueListByRepoOptions{
		State:     "all",
		Sort:      "created",
		Direction: "asc",
		ListOptions: gh.ListOptions{
			Page:    page,
			PerPage: pageSize,
		},
	}

	var (
		raw  []*gh.Issue
		resp *gh.Response
	)
	operation := func() error {
		var apiErr error
		raw, resp, apiErr = c.gh.Issues.ListByRepo(ctx, owner, repo, opts)
		if apiErr != nil {
			if mapped := mapAPIError(apiErr); mapped != nil {
				return backoff.Permanent(mapped)
			}
			return apiErr
		}
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		log.Error("failed to fetch issues page",
			slog.String("error", err.Error()),
			slog.String("repo_url", repoURL),
			slog.Int("page", page))
		return nil, fmt.Errorf("failed to fetch issues for %s/%s: %w", owner, repo, err)
	}

	result := &IssuePage{
		Issues:        make([]domain.Issue, 0, len(raw)),
		HasNextPage:   resp.NextPage != 0,
		RateRemaining: resp.Rate.Remaining,
		RateReset:     resp.Rate.Reset.Time,
	}
	if result.HasNextPage {
		result.NextCursor = strconv.Itoa(resp.NextPage)
	}

	for _, issue := range raw {
		if issue.IsPullRequest() {
			continue
		}
		result.Issues = append(result.Issues, toDomainIssue(issue))
	}

	log.Debug("fetched issues page",
		slog.String("repo_url", repoURL),
		slog.Int("page", page),
		slog.Int("issues", len(result.Issues)),
		slog.Bool("has_next", result.HasNextPage),
		slog.Int("rate_remaining", result.RateRemaining))

	if result.RateRemaining > 0 && result.RateRemaining < lowQuotaThreshold {
		wait := time.Until(result.RateReset)
		if wait > 0 {
			log.Warn("github quota low, waiting for reset",
				slog.Int("remaining", result.RateRemaining),
				slog.Duration("wait", wait))
			c.sleep(ctx, wait)
		}
	}

	return result, nil
}

func toDomainIssue(issue *gh.Issue) domain.Issue {
	labels := make([]string, 0, len(issue.Labels))
	for _, label := range issue.Labels {
		labels = append(labels, label.GetName())
	}

	return domain.Issue{
		ID:        issue.GetNodeID(),
		Number:    issue.GetNumber(),
		Title:     issue.GetTitle(),
		Body:      issue.GetBody(),
		Labels:    labels,
		CreatedAt: issue.GetCreatedAt().Format(time.RFC3339),
	}
}

func splitRepoURL(repoURL string) (owner, repo string, err error) {
	if !domain.ValidateRepoURL(repoURL) {
		return "", "", domain.ErrInvalidRepoURL
	}
	parts := strings.Split(strings.TrimPrefix(repoURL, "https://github.com/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", domain.ErrInvalidRepoURL
	}
	return parts[0], parts[1], nil
}

// decodeCursor maps the opaque cursor to a REST page number. An empty
// cursor means the first page.
func decodeCursor(cursor string) (int, error) {
	if cursor == "" {
		return 1, nil
	}
	page, err := strconv.Atoi(cursor)
	if err != nil || page < 1 {
		return 0, fmt.Errorf("%w: %q", ErrBadCursor, cursor)
	}
	return page, nil
}

func mapAPIError(err error) error {
	var ghErr *gh.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		switch ghErr.Response.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: %s", ErrAuthFailed, ghErr.Message)
		case http.StatusNotFound:
			return fmt.Errorf("%w", ErrRepoNotFound)
		}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
