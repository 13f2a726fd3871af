package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/issuewatch/issuewatch-api/internal/domain"
)

// TaskStore defines the interface for analysis task persistence and the
// queue's selection and state-transition logic.
type TaskStore interface {
	// EnqueueMissing creates one queued task per issue that does not
	// already have a task for this report, skipping issues whose IDs are
	// already present. Enqueueing the same issue set twice therefore
	// produces no duplicates. Returns the number of tasks created.
	EnqueueMissing(ctx context.Context, reportID, ownerUserID uuid.UUID, keyword string, issues []domain.Issue) (int, error)

	// SelectQueued returns up to limit queued tasks in FIFO order
	// (creation time ascending) after applying the per-owner admission
	// filter: an owner at their running-task ceiling, or at their
	// per-selection quota, has further candidates skipped rather than
	// selected.
	SelectQueued(ctx context.Context, limit int) ([]*domain.AnalysisTask, error)

	// MarkRunning transitions the given queued tasks to running in bulk.
	MarkRunning(ctx context.Context, ids []uuid.UUID) error

	// MarkDone transitions a task to done and clears its error message.
	MarkDone(ctx context.Context, id uuid.UUID) error

	// MarkRequeueOrError records a failed attempt: the task returns to
	// queued while attempts remain below the retry ceiling, otherwise it
	// moves to the terminal error status. The error message is retained
	// either way.
	MarkRequeueOrError(ctx context.Context, id uuid.UUID, attempts int, errMsg string) error

	// MarkCanceled transitions the given tasks to canceled in bulk.
	MarkCanceled(ctx context.Context, ids []uuid.UUID) error

	// CancelQueuedForReport flips all of a report's queued tasks straight
	// to canceled. Running tasks are left alone; their results are
	// discarded at commit time. Returns the number of tasks canceled.
	CancelQueuedForReport(ctx context.Context, reportID uuid.UUID) (int, error)

	// RequeueErrors resets a report's terminal-error tasks to queued with
	// a fresh attempt budget. Returns the number of tasks requeued.
	RequeueErrors(ctx context.Context, reportID uuid.UUID) (int, error)

	// DeleteForReport removes all tasks of a report (cascade for report
	// deletion). Returns the number of tasks deleted.
	DeleteForReport(ctx context.Context, reportID uuid.UUID) (int, error)

	// CountActiveForReport returns the report's queued and running task counts.
	CountActiveForReport(ctx context.Context, reportID uuid.UUID) (queued, running int, err error)

	// CountByOwnerAndStatus returns how many tasks the owner has in the
	// given status.
	CountByOwnerAndStatus(ctx context.Context, ownerUserID uuid.UUID, status domain.TaskStatus) (int, error)

	// VacuumTerminal deletes terminal tasks (done, error, canceled) whose
	// last update is older than the retention window. Returns the number
	// of tasks deleted.
	VacuumTerminal(ctx context.Context, olderThan time.Duration) (int, error)

	// WithTx returns a TaskStore that runs its operations on the given
	// transaction. The transaction is created and managed by the caller.
	WithTx(tx *sql.Tx) TaskStore
}
