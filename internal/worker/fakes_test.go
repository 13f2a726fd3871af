package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/issuewatch/issuewatch-api/internal/analysis"
	"github.com/issuewatch/issuewatch-api/internal/domain"
	"github.com/issuewatch/issuewatch-api/internal/platform/github"
)

// fakeAnalyzer scores issues from a canned table, or fails for issue
// IDs listed in failFor.
type fakeAnalyzer struct {
	mu      sync.Mutex
	scores  map[string]int
	failFor map[string]error
	calls   []string
}

func newFakeAnalyzer() *fakeAnalyzer {
	return &fakeAnalyzer{scores: make(map[string]int), failFor: make(map[string]error)}
}

func (a *fakeAnalyzer) AnalyzeIssue(ctx context.Context, keyword string, issue domain.Issue) (*analysis.Result, error) {
	a.mu.Lock()
	a.calls = append(a.calls, issue.ID)
	a.mu.Unlock()
	if err, ok := a.failFor[issue.ID]; ok {
		return nil, err
	}
	score, ok := a.scores[issue.ID]
	if !ok {
		score = 21
	}
	return &analysis.Result{
		RelevanceScore: score,
		Explanation:    fmt.Sprintf("scored %s for %q.", issue.ID, keyword),
	}, nil
}

func (a *fakeAnalyzer) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

// fakeSender records sent emails.
type fakeSender struct {
	mu   sync.Mutex
	sent []sentEmail
	err  error
}

type sentEmail struct {
	To      string
	Subject string
	HTML    string
}

func (f *fakeSender) Send(ctx context.Context, to, subject, html string) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentEmail{To: to, Subject: subject, HTML: html})
	return nil
}

func (f *fakeSender) emails() []sentEmail {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentEmail(nil), f.sent...)
}

// fakeSource serves issue pages keyed by cursor ("" for the first page).
type fakeSource struct {
	mu    sync.Mutex
	pages map[string]*github.IssuePage
	err   error
	calls []string
}

func newFakeSource() *fakeSource {
	return &fakeSource{pages: make(map[string]*github.IssuePage)}
}

func (f *fakeSource) FetchIssuesPage(ctx context.Context, repoURL string, pageSize int, afterCursor string) (*github.IssuePage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, afterCursor)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	page, ok := f.pages[afterCursor]
	if !ok {
		return &github.IssuePage{}, nil
	}
	return page, nil
}

func testIssue(id string, number int) domain.Issue {
	return domain.Issue{
		ID:        id,
		Number:    number,
		Title:     fmt.Sprintf("issue %d", number),
		Body:      "body",
		Labels:    []string{"bug"},
		CreatedAt: "2024-03-01T10:00:00Z",
	}
}
