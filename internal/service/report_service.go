package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/issuewatch/issuewatch-api/internal/domain"
	"github.com/issuewatch/issuewatch-api/internal/platform/logger"
	"github.com/issuewatch/issuewatch-api/internal/store"
)

// cacheWindow is how long a complete report for the same repository and
// keyword is served as-is instead of re-fetched.
const cacheWindow = time.Hour

// PageFetcher pulls the next issue page for a report and enqueues its
// analysis tasks.
type PageFetcher interface {
	FetchAndEnqueueNextPage(ctx context.Context, reportID uuid.UUID) error
}

// WorkloadStatus summarizes a user's in-flight analysis work.
type WorkloadStatus struct {
	OpenReports  int `json:"open_reports"`
	QueuedTasks  int `json:"queued_tasks"`
	RunningTasks int `json:"running_tasks"`
}

// SubmitResult is the outcome of a report submission: the report itself
// plus whether it was served from the freshness cache or resumed rather
// than created.
type SubmitResult struct {
	Report  *domain.Report
	Cached  bool
	Resumed bool
}

// ReportService orchestrates report lifecycle operations for the API
// layer.
type ReportService interface {
	// SubmitReport creates a report for the repository and keyword, or
	// reuses an existing one: a complete report fetched within the last
	// hour is returned as-is, and an in-progress report for the same
	// pair is resumed instead of duplicated.
	SubmitReport(ctx context.Context, userID uuid.UUID, userEmail, repoURL, keyword string) (*SubmitResult, error)

	// GetReport returns the report if it belongs to the user.
	GetReport(ctx context.Context, userID, reportID uuid.UUID) (*domain.Report, error)

	// ListUserReports returns all of the user's reports, newest first.
	ListUserReports(ctx context.Context, userID uuid.UUID) ([]*domain.Report, error)

	// CancelReport flags the report canceled and sweeps its queued tasks.
	CancelReport(ctx context.Context, userID, reportID uuid.UUID) error

	// DeleteReport removes the report and all of its tasks.
	DeleteReport(ctx context.Context, userID, reportID uuid.UUID) error

	// RequeueErrorTasks puts the report's errored tasks back in the
	// queue with a fresh attempt budget and returns how many moved.
	RequeueErrorTasks(ctx context.Context, userID, reportID uuid.UUID) (int, error)

	// FinalizeReport substitutes a determinate zero-score placeholder
	// into issues still awaiting analysis, so a report stuck behind
	// exhausted retries can complete on the next tick. Returns how many
	// issues were substituted.
	FinalizeReport(ctx context.Context, userID, reportID uuid.UUID) (int, error)

	// GetWorkloadStatus reports the user's open reports and task counts.
	GetWorkloadStatus(ctx context.Context, userID uuid.UUID) (*WorkloadStatus, error)
}

type reportServiceImpl struct {
	db      *sql.DB
	reports store.ReportStore
	tasks   store.TaskStore
	pager   PageFetcher
	wake    func(time.Duration)
	now     func() time.Time
	logger  *slog.Logger
}

// NewReportService creates the report service. db may be nil only in
// tests that never delete reports.
func NewReportService(
	db *sql.DB,
	reports store.ReportStore,
	tasks store.TaskStore,
	pager PageFetcher,
	wake func(time.Duration),
	logger *slog.Logger,
) (ReportService, error) {
	if reports == nil {
		return nil, errors.New("report store cannot be nil")
	}
	if tasks == nil {
		return nil, errors.New("task store cannot be nil")
	}
	if pager == nil {
		return nil, errors.New("page fetcher cannot be nil")
	}
	if wake == nil {
		wake = func(time.Duration) {}
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	return &reportServiceImpl{
		db:      db,
		reports: reports,
		tasks:   tasks,
		pager:   pager,
		wake:    wake,
		now:     time.Now,
		logger:  logger.With(slog.String("component", "report_service")),
	}, nil
}

func (s *reportServiceImpl) SubmitReport(ctx context.Context, userID uuid.UUID, userEmail, repoURL, keyword string) (*SubmitResult, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	report, err := domain.NewReport(userID, userEmail, repoURL, keyword)
	if err != nil {
		return nil, err
	}

	existing, err := s.reports.GetByRepoAndKeyword(ctx, report.RepoURL, report.Keyword)
	if err != nil && !errors.Is(err, store.ErrReportNotFound) {
		return nil, NewReportServiceError("submit", "failed to check for existing report", err)
	}
	if existing != nil {
		switch {
		case existing.IsComplete && !existing.IsCanceled &&
			s.now().Sub(existing.LastFetched) < cacheWindow:
			log.Info("serving cached report",
				slog.String("report_id", existing.ID.String()),
				slog.String("repo_url", existing.RepoURL))
			return &SubmitResult{Report: existing, Cached: true}, nil

		case !existing.IsComplete && !existing.IsCanceled:
			// Same pair already in flight. Nudge the worker instead of
			// double-fetching the repository.
			log.Info("resuming in-progress report",
				slog.String("report_id", existing.ID.String()))
			s.wake(0)
			return &SubmitResult{Report: existing, Resumed: true}, nil

		default:
			// Stale or canceled. Replace it so the unique
			// (repo, keyword) slot frees up.
			if err := s.deleteCascade(ctx, existing.ID); err != nil {
				return nil, NewReportServiceError("submit", "failed to replace stale report", err)
			}
		}
	}

	// New reports start at the first page.
	report.BatchCursor = "1"
	if err := s.reports.Create(ctx, report); err != nil {
		return nil, NewReportServiceError("submit", "failed to create report", err)
	}

	if err := s.pager.FetchAndEnqueueNextPage(ctx, report.ID); err != nil {
		return nil, NewReportServiceError("submit", "failed to fetch first issue page", err)
	}
	s.wake(0)

	created, err := s.reports.GetByID(ctx, report.ID)
	if err != nil {
		return nil, NewReportServiceError("submit", "failed to reload created report", err)
	}
	log.Info("submitted report",
		slog.String("report_id", created.ID.String()),
		slog.String("repo_url", created.RepoURL),
		slog.String("keyword", created.Keyword),
		slog.Int("first_page_issues", len(created.Issues)))
	return &SubmitResult{Report: created}, nil
}

func (s *reportServiceImpl) GetReport(ctx context.Context, userID, reportID uuid.UUID) (*domain.Report, error) {
	report, err := s.reports.GetByID(ctx, reportID)
	if err != nil {
		return nil, err
	}
	if report.UserID != userID {
		return nil, ErrNotOwned
	}
	return report, nil
}

func (s *reportServiceImpl) ListUserReports(ctx context.Context, userID uuid.UUID) ([]*domain.Report, error) {
	reports, err := s.reports.ListByUser(ctx, userID)
	if err != nil {
		return nil, NewReportServiceError("list", "failed to list reports", err)
	}
	return reports, nil
}

func (s *reportServiceImpl) CancelReport(ctx context.Context, userID, reportID uuid.UUID) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if _, err := s.GetReport(ctx, userID, reportID); err != nil {
		return err
	}
	if err := s.reports.SetCanceled(ctx, reportID); err != nil {
		return NewReportServiceError("cancel", "failed to flag report canceled", err)
	}
	n, err := s.tasks.CancelQueuedForReport(ctx, reportID)
	if err != nil {
		return NewReportServiceError("cancel", "failed to cancel queued tasks", err)
	}
	log.Info("canceled report",
		slog.String("report_id", reportID.String()),
		slog.Int("tasks_canceled", n))
	return nil
}

func (s *reportServiceImpl) DeleteReport(ctx context.Context, userID, reportID uuid.UUID) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if _, err := s.GetReport(ctx, userID, reportID); err != nil {
		return err
	}
	if err := s.deleteCascade(ctx, reportID); err != nil {
		return NewReportServiceError("delete", "failed to delete report", err)
	}
	log.Info("deleted report", slog.String("report_id", reportID.String()))
	return nil
}

// deleteCascade removes the report's tasks and the report in one
// transaction so a crash cannot strand orphan tasks.
func (s *reportServiceImpl) deleteCascade(ctx context.Context, reportID uuid.UUID) error {
	if s.db == nil {
		if _, err := s.tasks.DeleteForReport(ctx, reportID); err != nil {
			return err
		}
		return s.reports.Delete(ctx, reportID)
	}
	return store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := s.tasks.WithTx(tx).DeleteForReport(ctx, reportID); err != nil {
			return fmt.Errorf("failed to delete report tasks: %w", err)
		}
		return s.reports.WithTx(tx).Delete(ctx, reportID)
	})
}

func (s *reportServiceImpl) RequeueErrorTasks(ctx context.Context, userID, reportID uuid.UUID) (int, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	report, err := s.GetReport(ctx, userID, reportID)
	if err != nil {
		return 0, err
	}
	if report.IsCanceled {
		return 0, domain.ErrReportCanceled
	}
	n, err := s.tasks.RequeueErrors(ctx, reportID)
	if err != nil {
		return 0, NewReportServiceError("requeue", "failed to requeue error tasks", err)
	}
	if n > 0 {
		s.wake(0)
	}
	log.Info("requeued error tasks",
		slog.String("report_id", reportID.String()),
		slog.Int("requeued", n))
	return n, nil
}

func (s *reportServiceImpl) FinalizeReport(ctx context.Context, userID, reportID uuid.UUID) (int, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	for attempt := 0; attempt < 3; attempt++ {
		report, err := s.GetReport(ctx, userID, reportID)
		if err != nil {
			return 0, err
		}
		if report.IsCanceled {
			return 0, domain.ErrReportCanceled
		}
		if report.IsComplete {
			return 0, domain.ErrReportComplete
		}

		substituted := 0
		issues := append([]domain.Issue(nil), report.Issues...)
		for i := range issues {
			if !issues[i].Pending() {
				continue
			}
			issues[i].RelevanceScore = 0
			issues[i].Explanation = domain.PlaceholderExplanation
			issues[i].MatchedTerms = nil
			issues[i].Evidence = nil
			substituted++
		}
		if substituted == 0 {
			s.wake(0)
			return 0, nil
		}

		err = s.reports.UpdateIssues(ctx, reportID, issues, report.Version)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return 0, NewReportServiceError("finalize", "failed to write placeholder results", err)
		}

		s.wake(0)
		log.Info("finalized report with placeholders",
			slog.String("report_id", reportID.String()),
			slog.Int("substituted", substituted))
		return substituted, nil
	}
	return 0, NewReportServiceError("finalize", "gave up after repeated write conflicts", store.ErrConflict)
}

func (s *reportServiceImpl) GetWorkloadStatus(ctx context.Context, userID uuid.UUID) (*WorkloadStatus, error) {
	open, err := s.reports.CountIncompleteByUser(ctx, userID)
	if err != nil {
		return nil, NewReportServiceError("workload", "failed to count open reports", err)
	}
	queued, err := s.tasks.CountByOwnerAndStatus(ctx, userID, domain.TaskStatusQueued)
	if err != nil {
		return nil, NewReportServiceError("workload", "failed to count queued tasks", err)
	}
	running, err := s.tasks.CountByOwnerAndStatus(ctx, userID, domain.TaskStatusRunning)
	if err != nil {
		return nil, NewReportServiceError("workload", "failed to count running tasks", err)
	}
	return &WorkloadStatus{
		OpenReports:  open,
		QueuedTasks:  queued,
		RunningTasks: running,
	}, nil
}
