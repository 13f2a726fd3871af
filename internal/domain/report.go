package domain

import (
	"errors"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RelevanceThreshold is the minimum score (exclusive) for an issue to be
// included in a report email.
const RelevanceThreshold = 50

// githubRepoURLPattern matches canonical repository URLs like
// https://github.com/owner/repo with no trailing path.
var githubRepoURLPattern = regexp.MustCompile(`^https://github\.com/[\w-]+/[\w-]+$`)

// Common validation errors for Report
var (
	ErrEmptyReportID     = errors.New("report ID cannot be empty")
	ErrEmptyReportUserID = errors.New("report user ID cannot be empty")
	ErrEmptyReportEmail  = errors.New("report user email cannot be empty")
	ErrInvalidRepoURL    = errors.New("invalid GitHub repository URL")
	ErrEmptyKeyword      = errors.New("report keyword cannot be empty")
	ErrReportComplete    = errors.New("report is already complete")
	ErrReportCanceled    = errors.New("report is canceled")
	ErrReportNotFound    = errors.New("report not found")
	ErrReportNoCursor    = errors.New("report has no pagination cursor")
	ErrFinalEmailClaimed = errors.New("final email already claimed")
)

// PlaceholderExplanation is substituted into issues that never got a
// usable analysis result when a report is explicitly finalized. Unlike
// a failure marker it counts as analyzed, so the report can complete.
const PlaceholderExplanation = "No relevant keyword match found in title, body, or labels."

// Issue is one GitHub issue embedded in a report, together with its
// analysis result. A zero RelevanceScore with an empty or failed
// explanation means the issue has not been analyzed yet.
type Issue struct {
	ID             string   `json:"id"`
	Number         int      `json:"number"`
	Title          string   `json:"title"`
	Body           string   `json:"body"`
	Labels         []string `json:"labels"`
	CreatedAt      string   `json:"created_at"`
	RelevanceScore int      `json:"relevance_score"`
	Explanation    string   `json:"explanation"`
	MatchedTerms   []string `json:"matched_terms,omitempty"`
	Evidence       []string `json:"evidence,omitempty"`
}

// Pending reports whether the issue still awaits a usable analysis result.
// An issue with score 0 and an empty explanation was never analyzed; the
// "Analysis failed" marker counts as pending so finalization can
// substitute a determinate placeholder.
func (i *Issue) Pending() bool {
	if i.RelevanceScore != 0 {
		return false
	}
	return i.Explanation == "" || strings.HasPrefix(i.Explanation, "Analysis failed")
}

// Report is one user's request to analyze a repository for a keyword.
// Issues are embedded: they have no identity or lifecycle outside their
// report.
type Report struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	UserEmail string    `json:"user_email"`
	RepoURL   string    `json:"repo_url"`
	Keyword   string    `json:"keyword"`
	Issues    []Issue   `json:"issues"`

	// Version counts issue-set writes. Writers that replace the issue
	// set wholesale pass the version they read so a concurrent write is
	// detected instead of silently overwritten.
	Version int `json:"version"`

	// BatchCursor is the opaque pagination token for the next issue page.
	// Empty means there are no further pages to fetch.
	BatchCursor string `json:"batch_cursor,omitempty"`

	IsComplete bool `json:"is_complete"`
	IsCanceled bool `json:"is_canceled"`

	EmailsSent     int `json:"emails_sent"`
	RequestCounter int `json:"request_counter"`

	// LastPartialCursor records the cursor a partial email was last sent
	// for, making partial sends idempotent per page.
	LastPartialCursor string `json:"last_partial_cursor,omitempty"`

	// FinalEmailAt is the atomic claim marker for the final email send.
	FinalEmailAt *time.Time `json:"final_email_at,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	LastFetched time.Time `json:"last_fetched"`
}

// NewReport creates a new Report for the given user, repository and
// keyword. The keyword is normalized to lower case. Returns an error if
// validation fails.
func NewReport(userID uuid.UUID, userEmail, repoURL, keyword string) (*Report, error) {
	now := time.Now().UTC()
	report := &Report{
		ID:          uuid.New(),
		UserID:      userID,
		UserEmail:   userEmail,
		RepoURL:     repoURL,
		Keyword:     strings.ToLower(strings.TrimSpace(keyword)),
		Issues:      []Issue{},
		CreatedAt:   now,
		LastFetched: now,
	}

	if err := report.Validate(); err != nil {
		return nil, err
	}

	return report, nil
}

// Validate checks if the Report has valid data.
func (r *Report) Validate() error {
	if r.ID == uuid.Nil {
		return ErrEmptyReportID
	}
	if r.UserID == uuid.Nil {
		return ErrEmptyReportUserID
	}
	if r.UserEmail == "" {
		return ErrEmptyReportEmail
	}
	if !githubRepoURLPattern.MatchString(r.RepoURL) {
		return ErrInvalidRepoURL
	}
	if r.Keyword == "" {
		return ErrEmptyKeyword
	}
	return nil
}

// PendingCount returns the number of issues still awaiting analysis.
func (r *Report) PendingCount() int {
	n := 0
	for i := range r.Issues {
		if r.Issues[i].Pending() {
			n++
		}
	}
	return n
}

// RelevantIssues returns the issues scoring above RelevanceThreshold,
// sorted by score descending.
func (r *Report) RelevantIssues() []Issue {
	var relevant []Issue
	for _, issue := range r.Issues {
		if issue.RelevanceScore > RelevanceThreshold {
			relevant = append(relevant, issue)
		}
	}
	sort.SliceStable(relevant, func(a, b int) bool {
		return relevant[a].RelevanceScore > relevant[b].RelevanceScore
	})
	return relevant
}

// ValidateRepoURL reports whether url is a canonical GitHub repository URL.
func ValidateRepoURL(url string) bool {
	return githubRepoURLPattern.MatchString(url)
}
