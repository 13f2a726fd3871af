package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/issuewatch/issuewatch-api/internal/config"
	"github.com/issuewatch/issuewatch-api/internal/platform/github"
	"github.com/issuewatch/issuewatch-api/internal/platform/logger"
	"github.com/issuewatch/issuewatch-api/internal/store"
)

// ReportMailer sends the partial or final notification for a report.
type ReportMailer interface {
	SendReportEmail(ctx context.Context, reportID uuid.UUID) error
}

// Paginator drives issue ingestion for a report one page at a time:
// fetch the page at the stored cursor, append the issues, advance the
// cursor, enqueue analysis tasks, and wake the tick loop.
type Paginator struct {
	reports   store.ReportStore
	tasks     store.TaskStore
	source    github.IssueSource
	mailer    ReportMailer
	wake      func(time.Duration)
	pageSize  int
	maxIssues int
	logger    *slog.Logger
}

// NewPaginator creates a paginator. The mailer is attached afterwards
// with SetMailer since the two reference each other.
func NewPaginator(
	reports store.ReportStore,
	tasks store.TaskStore,
	source github.IssueSource,
	cfg config.GitHubConfig,
	wake func(time.Duration),
	logger *slog.Logger,
) *Paginator {
	if reports == nil || tasks == nil || source == nil {
		panic("paginator dependencies cannot be nil")
	}
	if wake == nil {
		wake = func(time.Duration) {}
	}
	if logger == nil {
		logger = slog.Default()
	}

	pageSize := cfg.PageSize
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 100
	}
	maxIssues := cfg.MaxIssuesPerReport
	if maxIssues <= 0 {
		maxIssues = 4000
	}

	return &Paginator{
		reports:   reports,
		tasks:     tasks,
		source:    source,
		wake:      wake,
		pageSize:  pageSize,
		maxIssues: maxIssues,
		logger:    logger.With(slog.String("component", "paginator")),
	}
}

// SetMailer attaches the notification coordinator used when a report
// turns out to already be complete.
func (p *Paginator) SetMailer(m ReportMailer) {
	p.mailer = m
}

// FetchAndEnqueueNextPage fetches the report's next issue page and
// enqueues analysis tasks for it. Re-entrant by design: invoked on a
// complete, canceled, or cursor-less report it does nothing (for a
// complete report it falls through to the final email, which carries
// its own send-once claim).
func (p *Paginator) FetchAndEnqueueNextPage(ctx context.Context, reportID uuid.UUID) error {
	log := logger.FromContextOrDefault(ctx, p.logger)

	report, err := p.reports.GetByID(ctx, reportID)
	if err != nil {
		if errors.Is(err, store.ErrReportNotFound) {
			return nil
		}
		return err
	}

	if report.IsCanceled {
		return nil
	}
	if report.IsComplete {
		if p.mailer != nil {
			return p.mailer.SendReportEmail(ctx, reportID)
		}
		return nil
	}
	if report.BatchCursor == "" {
		return nil
	}

	page, err := p.source.FetchIssuesPage(ctx, report.RepoURL, p.pageSize, report.BatchCursor)
	if err != nil {
		return fmt.Errorf("failed to fetch next page for report %s: %w", reportID, err)
	}

	all := append(report.Issues, page.Issues...)

	// Hard cap: truncate and force-complete so pathological repos
	// cannot grow a report without bound.
	if len(all) >= p.maxIssues {
		log.Warn("report reached issue cap, forcing complete",
			slog.String("report_id", reportID.String()),
			slog.Int("total", len(all)),
			slog.Int("cap", p.maxIssues))
		if err := p.reports.AdvanceCursor(ctx, reportID, all[:p.maxIssues], "", true); err != nil {
			return err
		}
		p.wake(0)
		return nil
	}

	next := ""
	if page.HasNextPage {
		next = page.NextCursor
	}
	if err := p.reports.AdvanceCursor(ctx, reportID, all, next, false); err != nil {
		return err
	}

	inserted, err := p.tasks.EnqueueMissing(ctx, reportID, report.UserID, report.Keyword, page.Issues)
	if err != nil {
		return fmt.Errorf("failed to enqueue tasks for report %s: %w", reportID, err)
	}

	log.Info("fetched next issue page",
		slog.String("report_id", reportID.String()),
		slog.Int("fetched", len(page.Issues)),
		slog.Int("enqueued", inserted),
		slog.Int("total", len(all)),
		slog.Bool("has_next", page.HasNextPage))

	p.wake(0)
	return nil
}
