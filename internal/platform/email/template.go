package email

import (
	"embed"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/issuewatch/issuewatch-api/internal/domain"
)

//go:embed templates/*.html.tmpl
var templateFS embed.FS

var reportTemplates = template.Must(template.New("email").Funcs(template.FuncMap{
	"issueURL": func(repoURL string, number int) string {
		return fmt.Sprintf("%s/issues/%d", repoURL, number)
	},
	"formatDate": func(raw string) string {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return raw
		}
		return t.Format("Jan 2, 2006")
	},
	"joinLabels": func(labels []string) string {
		return strings.Join(labels, ", ")
	},
}).ParseFS(templateFS, "templates/*.html.tmpl"))

// reportEmailData is the payload rendered into the report templates.
type reportEmailData struct {
	RepoURL     string
	Keyword     string
	UserEmail   string
	Issues      []domain.Issue
	TotalIssues int
}

// RenderReport renders the issue table email for the given relevant
// issues, already sorted by descending relevance.
func RenderReport(report *domain.Report, relevant []domain.Issue) (string, error) {
	var buf strings.Builder
	err := reportTemplates.ExecuteTemplate(&buf, "report.html.tmpl", reportEmailData{
		RepoURL:     report.RepoURL,
		Keyword:     report.Keyword,
		UserEmail:   report.UserEmail,
		Issues:      relevant,
		TotalIssues: len(report.Issues),
	})
	if err != nil {
		return "", fmt.Errorf("failed to render report email: %w", err)
	}
	return buf.String(), nil
}

// RenderNoRelevantIssues renders the final email sent when analysis
// completed without any issue clearing the relevance threshold.
func RenderNoRelevantIssues(report *domain.Report) (string, error) {
	var buf strings.Builder
	err := reportTemplates.ExecuteTemplate(&buf, "no_relevant.html.tmpl", reportEmailData{
		RepoURL:     report.RepoURL,
		Keyword:     report.Keyword,
		UserEmail:   report.UserEmail,
		TotalIssues: len(report.Issues),
	})
	if err != nil {
		return "", fmt.Errorf("failed to render no-relevant email: %w", err)
	}
	return buf.String(), nil
}

// Subject builds the email subject for a report notification. A report
// finished in a single batch gets a bare "Final"; every other send is
// numbered by how many emails the report has already produced.
func Subject(report *domain.Report) string {
	emailType := "Partial"
	if report.IsComplete {
		emailType = "Final"
	}
	number := ""
	if !report.IsComplete || report.EmailsSent > 0 {
		number = fmt.Sprintf(" - %d", report.EmailsSent+1)
	}
	return fmt.Sprintf("IssueWatch - GitHub Issues Report for %s (%s%s)",
		report.RepoURL, emailType, number)
}
