package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/issuewatch/issuewatch-api/internal/domain"
)

// ReportStore defines the interface for report data persistence.
type ReportStore interface {
	// Create saves a new report to the store.
	// Returns validation errors from the domain Report if data is invalid.
	Create(ctx context.Context, report *domain.Report) error

	// GetByID retrieves a report by its unique ID.
	// Returns ErrReportNotFound if the report does not exist.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Report, error)

	// GetByRepoAndKeyword retrieves the report for a (repository, keyword)
	// pair. The keyword is matched in its normalized (lower-case) form.
	// Returns ErrReportNotFound if no such report exists.
	GetByRepoAndKeyword(ctx context.Context, repoURL, keyword string) (*domain.Report, error)

	// ListByUser retrieves all reports owned by the given user, newest first.
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*domain.Report, error)

	// CountIncompleteByUser returns how many of the user's reports are
	// still open (not complete, not canceled).
	CountIncompleteByUser(ctx context.Context, userID uuid.UUID) (int, error)

	// UpdateIssues overwrites the report's issue set in a single batched
	// write and refreshes the last-fetched timestamp. version is the
	// report version the caller read; the write succeeds only if it still
	// matches, and bumps it by one.
	// Returns ErrConflict when a concurrent writer bumped the version
	// first (reload and retry), ErrReportNotFound if the report does not
	// exist.
	UpdateIssues(ctx context.Context, id uuid.UUID, issues []domain.Issue, version int) error

	// AdvanceCursor replaces the report's issues, sets the pagination
	// cursor (empty clears it) and the completion flag, bumps the report
	// version, and refreshes the last-fetched timestamp. Used by the
	// pagination driver after a page fetch and by finalization.
	AdvanceCursor(ctx context.Context, id uuid.UUID, issues []domain.Issue, cursor string, complete bool) error

	// SetCanceled flags the report canceled and clears its cursor so no
	// further pages are fetched for it.
	SetCanceled(ctx context.Context, id uuid.UUID) error

	// Delete removes the report. Task cleanup is the caller's
	// responsibility (tasks reference reports weakly).
	Delete(ctx context.Context, id uuid.UUID) error

	// ClaimFinalEmail atomically claims the right to send the final email
	// for a complete report. Returns true exactly once per report: the
	// first caller wins, later callers (including concurrent ones) get
	// false. Canceled reports are never claimable.
	ClaimFinalEmail(ctx context.Context, id uuid.UUID) (bool, error)

	// SetLastPartialCursor records the cursor a partial email was sent
	// for, making partial sends idempotent per page.
	SetLastPartialCursor(ctx context.Context, id uuid.UUID, cursor string) error

	// IncrementEmailsSent bumps the report's sent-email counter.
	IncrementEmailsSent(ctx context.Context, id uuid.UUID) error

	// IncrementRequestCounter bumps the report's analysis-request counter.
	IncrementRequestCounter(ctx context.Context, id uuid.UUID) error

	// ListIncomplete returns up to limit reports that are neither complete
	// nor canceled, oldest first. Used by the rescue scan.
	ListIncomplete(ctx context.Context, limit int) ([]*domain.Report, error)

	// ListCompleteAwaitingFinalEmail returns up to limit complete,
	// non-canceled reports with no final-email claim, oldest first.
	ListCompleteAwaitingFinalEmail(ctx context.Context, limit int) ([]*domain.Report, error)

	// WithTx returns a ReportStore that runs its operations on the given
	// transaction. The transaction is created and managed by the caller.
	WithTx(tx *sql.Tx) ReportStore
}
