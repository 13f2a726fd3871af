package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/issuewatch/issuewatch-api/internal/domain"
)

// SubmitReportRequest is the payload for creating a report.
type SubmitReportRequest struct {
	RepoURL string `json:"repo_url" validate:"required,url"`
	Keyword string `json:"keyword"  validate:"required,min=1,max=200"`
}

// ReportSummaryResponse is the list-view shape of a report: counters
// instead of the full issue payload.
type ReportSummaryResponse struct {
	ID             uuid.UUID  `json:"id"`
	RepoURL        string     `json:"repo_url"`
	Keyword        string     `json:"keyword"`
	TotalIssues    int        `json:"total_issues"`
	PendingIssues  int        `json:"pending_issues"`
	RelevantIssues int        `json:"relevant_issues"`
	IsComplete     bool       `json:"is_complete"`
	IsCanceled     bool       `json:"is_canceled"`
	EmailsSent     int        `json:"emails_sent"`
	FinalEmailAt   *time.Time `json:"final_email_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	LastFetched    time.Time  `json:"last_fetched"`
}

// ReportResponse is the detail-view shape: the summary plus the
// relevant issues themselves.
type ReportResponse struct {
	ReportSummaryResponse
	Issues []domain.Issue `json:"issues"`
}

// SubmitReportResponse wraps a submitted report with how it was
// resolved.
type SubmitReportResponse struct {
	Report  ReportResponse `json:"report"`
	Cached  bool           `json:"cached"`
	Resumed bool           `json:"resumed"`
}

// RequeueResponse reports how many errored tasks went back in the
// queue.
type RequeueResponse struct {
	Requeued int `json:"requeued"`
}

// FinalizeResponse reports how many issues received a placeholder
// result during an explicit finalize.
type FinalizeResponse struct {
	Substituted int `json:"substituted"`
}

// ToReportSummaryResponse converts a domain report to its list-view
// representation.
func ToReportSummaryResponse(report *domain.Report) ReportSummaryResponse {
	return ReportSummaryResponse{
		ID:             report.ID,
		RepoURL:        report.RepoURL,
		Keyword:        report.Keyword,
		TotalIssues:    len(report.Issues),
		PendingIssues:  report.PendingCount(),
		RelevantIssues: len(report.RelevantIssues()),
		IsComplete:     report.IsComplete,
		IsCanceled:     report.IsCanceled,
		EmailsSent:     report.EmailsSent,
		FinalEmailAt:   report.FinalEmailAt,
		CreatedAt:      report.CreatedAt,
		LastFetched:    report.LastFetched,
	}
}

// ToReportResponse converts a domain report to its detail
// representation. Only issues that have been scored relevant are
// included; pending and irrelevant ones appear in the counters.
func ToReportResponse(report *domain.Report) ReportResponse {
	relevant := report.RelevantIssues()
	if relevant == nil {
		relevant = []domain.Issue{}
	}
	return ReportResponse{
		ReportSummaryResponse: ToReportSummaryResponse(report),
		Issues:                relevant,
	}
}
