package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/issuewatch/issuewatch-api/internal/domain"
	"github.com/issuewatch/issuewatch-api/internal/platform/logger"
	"github.com/issuewatch/issuewatch-api/internal/store"
)

// SelectionLimits configures the per-owner fairness ceilings applied by
// SelectQueued. The ceilings may be set very high to get pure FIFO, but
// the mechanism always runs so one owner cannot starve others.
type SelectionLimits struct {
	// MaxRunningPerOwner caps an owner's simultaneously running tasks.
	MaxRunningPerOwner int

	// MaxPerSelectionPerOwner caps tasks picked for an owner in one call.
	MaxPerSelectionPerOwner int
}

// PostgresTaskStore implements the store.TaskStore interface using
// PostgreSQL. It owns the queue's candidate windowing, fairness
// filtering, and status state machine.
type PostgresTaskStore struct {
	db          store.DBTX
	logger      *slog.Logger
	limits      SelectionLimits
	maxAttempts int
}

// NewPostgresTaskStore creates a new PostgreSQL implementation of the
// TaskStore interface. maxAttempts is the retry ceiling applied by
// MarkRequeueOrError.
func NewPostgresTaskStore(db store.DBTX, logger *slog.Logger, limits SelectionLimits, maxAttempts int) *PostgresTaskStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if limits.MaxRunningPerOwner <= 0 {
		limits.MaxRunningPerOwner = 25
	}
	if limits.MaxPerSelectionPerOwner <= 0 {
		limits.MaxPerSelectionPerOwner = 10
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	return &PostgresTaskStore{
		db:          db,
		logger:      logger.With(slog.String("component", "task_store")),
		limits:      limits,
		maxAttempts: maxAttempts,
	}
}

// Ensure PostgresTaskStore implements store.TaskStore
var _ store.TaskStore = (*PostgresTaskStore)(nil)

// WithTx implements store.TaskStore.WithTx
func (s *PostgresTaskStore) WithTx(tx *sql.Tx) store.TaskStore {
	return &PostgresTaskStore{
		db:          tx,
		logger:      s.logger,
		limits:      s.limits,
		maxAttempts: s.maxAttempts,
	}
}

// EnqueueMissing implements store.TaskStore.EnqueueMissing.
// The (report_id, issue_id) unique index makes this idempotent: an issue
// that already has a task is skipped via ON CONFLICT DO NOTHING.
func (s *PostgresTaskStore) EnqueueMissing(ctx context.Context, reportID, ownerUserID uuid.UUID, keyword string, issues []domain.Issue) (int, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		INSERT INTO analysis_tasks (id, report_id, owner_user_id, keyword, issue_id,
			issue, est_tokens, status, priority, attempts, error_message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (report_id, issue_id) DO NOTHING
	`

	inserted := 0
	for _, issue := range issues {
		task, err := domain.NewAnalysisTask(reportID, ownerUserID, keyword, issue)
		if err != nil {
			return inserted, fmt.Errorf("invalid task for issue %s: %w", issue.ID, err)
		}

		snapshot, err := json.Marshal(task.Issue)
		if err != nil {
			return inserted, fmt.Errorf("failed to marshal issue snapshot: %w", err)
		}

		result, err := s.db.ExecContext(ctx, query,
			task.ID,
			task.ReportID,
			task.OwnerUserID,
			task.Keyword,
			task.Issue.ID,
			snapshot,
			task.EstTokens,
			task.Status,
			task.Priority,
			task.Attempts,
			task.Error,
			task.CreatedAt,
			task.UpdatedAt,
		)
		if err != nil {
			log.Error("failed to enqueue task",
				slog.String("error", err.Error()),
				slog.String("report_id", reportID.String()),
				slog.String("issue_id", issue.ID))
			return inserted, fmt.Errorf("failed to enqueue task: %w", mapError(err))
		}

		rows, err := result.RowsAffected()
		if err != nil {
			return inserted, fmt.Errorf("failed to get rows affected: %w", err)
		}
		inserted += int(rows)
	}

	log.Debug("enqueued analysis tasks",
		slog.String("report_id", reportID.String()),
		slog.Int("requested", len(issues)),
		slog.Int("inserted", inserted))

	return inserted, nil
}

// SelectQueued implements store.TaskStore.SelectQueued.
// A bounded candidate window is read oldest-first, then the per-owner
// admission filter walks it: each owner's running count is loaded once
// per call, and candidates past either ceiling are skipped, not deferred.
func (s *PostgresTaskStore) SelectQueued(ctx context.Context, limit int) ([]*domain.AnalysisTask, error) {
	if limit <= 0 {
		return nil, nil
	}

	window := limit * 2
	if window < 100 {
		window = 100
	}
	if window > 1000 {
		window = 1000
	}

	candidates, err := s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM analysis_tasks
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2
	`, domain.TaskStatusQueued, window)
	if err != nil {
		return nil, err
	}

	runningByOwner := make(map[uuid.UUID]int)
	pickedByOwner := make(map[uuid.UUID]int)
	var selected []*domain.AnalysisTask

	for _, task := range candidates {
		owner := task.OwnerUserID

		if _, ok := runningByOwner[owner]; !ok {
			running, err := s.CountByOwnerAndStatus(ctx, owner, domain.TaskStatusRunning)
			if err != nil {
				return nil, err
			}
			runningByOwner[owner] = running
		}

		if runningByOwner[owner]+pickedByOwner[owner] >= s.limits.MaxRunningPerOwner {
			continue
		}
		if pickedByOwner[owner] >= s.limits.MaxPerSelectionPerOwner {
			continue
		}

		selected = append(selected, task)
		pickedByOwner[owner]++

		if len(selected) >= limit {
			break
		}
	}

	return selected, nil
}

// MarkRunning implements store.TaskStore.MarkRunning
func (s *PostgresTaskStore) MarkRunning(ctx context.Context, ids []uuid.UUID) error {
	return s.bulkSetStatus(ctx, ids, domain.TaskStatusRunning)
}

// MarkDone implements store.TaskStore.MarkDone
func (s *PostgresTaskStore) MarkDone(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE analysis_tasks
		SET status = $1, error_message = '', updated_at = $2
		WHERE id = $3
	`
	result, err := s.db.ExecContext(ctx, query, domain.TaskStatusDone, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark task done: %w", mapError(err))
	}
	return requireRowAffected(result, store.ErrTaskNotFound)
}

// MarkRequeueOrError implements store.TaskStore.MarkRequeueOrError
func (s *PostgresTaskStore) MarkRequeueOrError(ctx context.Context, id uuid.UUID, attempts int, errMsg string) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	status := domain.TaskStatusQueued
	if attempts >= s.maxAttempts {
		status = domain.TaskStatusError
	}

	query := `
		UPDATE analysis_tasks
		SET status = $1, attempts = $2, error_message = $3, updated_at = $4
		WHERE id = $5
	`
	result, err := s.db.ExecContext(ctx, query, status, attempts, errMsg, time.Now().UTC(), id)
	if err != nil {
		log.Error("failed to requeue task",
			slog.String("error", err.Error()),
			slog.String("task_id", id.String()))
		return fmt.Errorf("failed to requeue task: %w", mapError(err))
	}

	log.Debug("task attempt recorded",
		slog.String("task_id", id.String()),
		slog.Int("attempts", attempts),
		slog.String("status", string(status)))

	return requireRowAffected(result, store.ErrTaskNotFound)
}

// MarkCanceled implements store.TaskStore.MarkCanceled
func (s *PostgresTaskStore) MarkCanceled(ctx context.Context, ids []uuid.UUID) error {
	return s.bulkSetStatus(ctx, ids, domain.TaskStatusCanceled)
}

// CancelQueuedForReport implements store.TaskStore.CancelQueuedForReport
func (s *PostgresTaskStore) CancelQueuedForReport(ctx context.Context, reportID uuid.UUID) (int, error) {
	query := `
		UPDATE analysis_tasks
		SET status = $1, updated_at = $2
		WHERE report_id = $3 AND status = $4
	`
	result, err := s.db.ExecContext(ctx, query,
		domain.TaskStatusCanceled, time.Now().UTC(), reportID, domain.TaskStatusQueued)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel queued tasks: %w", mapError(err))
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(rows), nil
}

// RequeueErrors implements store.TaskStore.RequeueErrors
func (s *PostgresTaskStore) RequeueErrors(ctx context.Context, reportID uuid.UUID) (int, error) {
	query := `
		UPDATE analysis_tasks
		SET status = $1, attempts = 0, error_message = '', updated_at = $2
		WHERE report_id = $3 AND status = $4
	`
	result, err := s.db.ExecContext(ctx, query,
		domain.TaskStatusQueued, time.Now().UTC(), reportID, domain.TaskStatusError)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue error tasks: %w", mapError(err))
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(rows), nil
}

// DeleteForReport implements store.TaskStore.DeleteForReport
func (s *PostgresTaskStore) DeleteForReport(ctx context.Context, reportID uuid.UUID) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM analysis_tasks WHERE report_id = $1`, reportID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete tasks for report: %w", mapError(err))
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(rows), nil
}

// CountActiveForReport implements store.TaskStore.CountActiveForReport
func (s *PostgresTaskStore) CountActiveForReport(ctx context.Context, reportID uuid.UUID) (int, int, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = $2),
			COUNT(*) FILTER (WHERE status = $3)
		FROM analysis_tasks
		WHERE report_id = $1
	`
	var queued, running int
	err := s.db.QueryRowContext(ctx, query,
		reportID, domain.TaskStatusQueued, domain.TaskStatusRunning).Scan(&queued, &running)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count active tasks: %w", err)
	}
	return queued, running, nil
}

// CountByOwnerAndStatus implements store.TaskStore.CountByOwnerAndStatus
func (s *PostgresTaskStore) CountByOwnerAndStatus(ctx context.Context, ownerUserID uuid.UUID, status domain.TaskStatus) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM analysis_tasks WHERE owner_user_id = $1 AND status = $2`,
		ownerUserID, status).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count tasks by owner and status: %w", err)
	}
	return count, nil
}

// VacuumTerminal implements store.TaskStore.VacuumTerminal
func (s *PostgresTaskStore) VacuumTerminal(ctx context.Context, olderThan time.Duration) (int, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	cutoff := time.Now().UTC().Add(-olderThan)
	query := `
		DELETE FROM analysis_tasks
		WHERE status = ANY($1) AND updated_at < $2
	`
	result, err := s.db.ExecContext(ctx, query,
		[]string{
			string(domain.TaskStatusDone),
			string(domain.TaskStatusError),
			string(domain.TaskStatusCanceled),
		},
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to vacuum tasks: %w", mapError(err))
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows > 0 {
		log.Info("vacuumed terminal tasks", slog.Int64("deleted", rows))
	}
	return int(rows), nil
}

// taskColumns is the column list shared by every task SELECT.
const taskColumns = `id, report_id, owner_user_id, keyword, issue, est_tokens,
	status, priority, attempts, error_message, created_at, updated_at`

func (s *PostgresTaskStore) bulkSetStatus(ctx context.Context, ids []uuid.UUID, status domain.TaskStatus) error {
	if len(ids) == 0 {
		return nil
	}

	query := `
		UPDATE analysis_tasks
		SET status = $1, updated_at = $2
		WHERE id = ANY($3)
	`
	_, err := s.db.ExecContext(ctx, query, status, time.Now().UTC(), uuidArray(ids))
	if err != nil {
		return fmt.Errorf("failed to set task status %s: %w", status, mapError(err))
	}
	return nil
}

func (s *PostgresTaskStore) queryTasks(ctx context.Context, query string, args ...any) ([]*domain.AnalysisTask, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		log.Error("failed to query tasks", slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*domain.AnalysisTask
	for rows.Next() {
		var (
			task     domain.AnalysisTask
			issueRaw []byte
		)
		err := rows.Scan(
			&task.ID,
			&task.ReportID,
			&task.OwnerUserID,
			&task.Keyword,
			&issueRaw,
			&task.EstTokens,
			&task.Status,
			&task.Priority,
			&task.Attempts,
			&task.Error,
			&task.CreatedAt,
			&task.UpdatedAt,
		)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, store.ErrTaskNotFound
			}
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		if err := json.Unmarshal(issueRaw, &task.Issue); err != nil {
			return nil, fmt.Errorf("failed to unmarshal issue snapshot: %w", err)
		}
		tasks = append(tasks, &task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task rows: %w", err)
	}

	return tasks, nil
}

// uuidArray renders ids as a text array parameter accepted by ANY($n).
func uuidArray(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
