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

// reportColumns is the column list shared by every report SELECT.
const reportColumns = `id, user_id, user_email, repo_url, keyword, issues,
	version, batch_cursor, is_complete, is_canceled, emails_sent,
	request_counter, last_partial_cursor, final_email_at, created_at,
	last_fetched`

// PostgresReportStore implements the store.ReportStore interface
// using a PostgreSQL database as the storage backend. Issues are stored
// embedded in the report row as a JSONB document, matching their
// lifecycle: they have no identity outside their report.
type PostgresReportStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresReportStore creates a new PostgreSQL implementation of the
// ReportStore interface. It accepts a database connection or transaction
// that should be initialized and managed by the caller.
func NewPostgresReportStore(db store.DBTX, logger *slog.Logger) *PostgresReportStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &PostgresReportStore{
		db:     db,
		logger: logger.With(slog.String("component", "report_store")),
	}
}

// Ensure PostgresReportStore implements store.ReportStore
var _ store.ReportStore = (*PostgresReportStore)(nil)

// WithTx implements store.ReportStore.WithTx
func (s *PostgresReportStore) WithTx(tx *sql.Tx) store.ReportStore {
	return &PostgresReportStore{db: tx, logger: s.logger}
}

// Create implements store.ReportStore.Create
func (s *PostgresReportStore) Create(ctx context.Context, report *domain.Report) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if err := report.Validate(); err != nil {
		log.Warn("report validation failed during create",
			slog.String("error", err.Error()),
			slog.String("report_id", report.ID.String()))
		return err
	}

	issues, err := json.Marshal(report.Issues)
	if err != nil {
		return fmt.Errorf("failed to marshal issues: %w", err)
	}

	query := `
		INSERT INTO reports (id, user_id, user_email, repo_url, keyword, issues,
			version, batch_cursor, is_complete, is_canceled, emails_sent,
			request_counter, last_partial_cursor, final_email_at, created_at,
			last_fetched)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	_, err = s.db.ExecContext(ctx, query,
		report.ID,
		report.UserID,
		report.UserEmail,
		report.RepoURL,
		report.Keyword,
		issues,
		report.Version,
		report.BatchCursor,
		report.IsComplete,
		report.IsCanceled,
		report.EmailsSent,
		report.RequestCounter,
		report.LastPartialCursor,
		report.FinalEmailAt,
		report.CreatedAt,
		report.LastFetched,
	)
	if err != nil {
		mapped := mapError(err)
		if errors.Is(mapped, store.ErrDuplicate) {
			log.Warn("duplicate report for repo and keyword",
				slog.String("repo_url", report.RepoURL),
				slog.String("keyword", report.Keyword))
			return fmt.Errorf("%w: report for %s %q", store.ErrDuplicate, report.RepoURL, report.Keyword)
		}
		log.Error("failed to create report",
			slog.String("error", err.Error()),
			slog.String("report_id", report.ID.String()))
		return fmt.Errorf("failed to create report: %w", mapped)
	}

	return nil
}

// GetByID implements store.ReportStore.GetByID
func (s *PostgresReportStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Report, error) {
	query := `SELECT ` + reportColumns + ` FROM reports WHERE id = $1`
	return s.scanReport(ctx, s.db.QueryRowContext(ctx, query, id))
}

// GetByRepoAndKeyword implements store.ReportStore.GetByRepoAndKeyword
func (s *PostgresReportStore) GetByRepoAndKeyword(ctx context.Context, repoURL, keyword string) (*domain.Report, error) {
	query := `SELECT ` + reportColumns + ` FROM reports WHERE repo_url = $1 AND keyword = $2`
	return s.scanReport(ctx, s.db.QueryRowContext(ctx, query, repoURL, keyword))
}

// ListByUser implements store.ReportStore.ListByUser
func (s *PostgresReportStore) ListByUser(ctx context.Context, userID uuid.UUID) ([]*domain.Report, error) {
	query := `SELECT ` + reportColumns + ` FROM reports WHERE user_id = $1 ORDER BY created_at DESC`
	return s.queryReports(ctx, query, userID)
}

// CountIncompleteByUser implements store.ReportStore.CountIncompleteByUser
func (s *PostgresReportStore) CountIncompleteByUser(ctx context.Context, userID uuid.UUID) (int, error) {
	query := `
		SELECT COUNT(*) FROM reports
		WHERE user_id = $1 AND is_complete = FALSE AND is_canceled = FALSE
	`
	var count int
	if err := s.db.QueryRowContext(ctx, query, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count incomplete reports: %w", err)
	}
	return count, nil
}

// UpdateIssues implements store.ReportStore.UpdateIssues.
// The write is a compare-and-swap on the version column: a concurrent
// writer that got there first leaves this statement with zero rows, and
// the caller gets store.ErrConflict to reload and merge.
func (s *PostgresReportStore) UpdateIssues(ctx context.Context, id uuid.UUID, issues []domain.Issue, version int) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	payload, err := json.Marshal(issues)
	if err != nil {
		return fmt.Errorf("failed to marshal issues: %w", err)
	}

	query := `
		UPDATE reports
		SET issues = $1, version = version + 1, last_fetched = $2
		WHERE id = $3 AND version = $4
	`
	result, err := s.db.ExecContext(ctx, query, payload, time.Now().UTC(), id, version)
	if err != nil {
		log.Error("failed to update report issues",
			slog.String("error", err.Error()),
			slog.String("report_id", id.String()))
		return fmt.Errorf("failed to update report issues: %w", mapError(err))
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}

	// Zero rows is either a stale version or a deleted report.
	var current int
	err = s.db.QueryRowContext(ctx, `SELECT version FROM reports WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrReportNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check report version: %w", err)
	}
	log.Debug("report issue update lost the version race",
		slog.String("report_id", id.String()),
		slog.Int("expected_version", version),
		slog.Int("current_version", current))
	return store.ErrConflict
}

// AdvanceCursor implements store.ReportStore.AdvanceCursor
func (s *PostgresReportStore) AdvanceCursor(ctx context.Context, id uuid.UUID, issues []domain.Issue, cursor string, complete bool) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	payload, err := json.Marshal(issues)
	if err != nil {
		return fmt.Errorf("failed to marshal issues: %w", err)
	}

	// Pagination writes bump the version so racing issue updates see a
	// conflict rather than clobbering freshly appended issues.
	query := `
		UPDATE reports
		SET issues = $1, version = version + 1, batch_cursor = $2,
			is_complete = $3, last_fetched = $4
		WHERE id = $5
	`
	result, err := s.db.ExecContext(ctx, query, payload, cursor, complete, time.Now().UTC(), id)
	if err != nil {
		log.Error("failed to advance report cursor",
			slog.String("error", err.Error()),
			slog.String("report_id", id.String()))
		return fmt.Errorf("failed to advance report cursor: %w", mapError(err))
	}

	return requireRowAffected(result, store.ErrReportNotFound)
}

// SetCanceled implements store.ReportStore.SetCanceled
func (s *PostgresReportStore) SetCanceled(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE reports
		SET is_canceled = TRUE, batch_cursor = '', last_fetched = $1
		WHERE id = $2
	`
	result, err := s.db.ExecContext(ctx, query, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to cancel report: %w", mapError(err))
	}
	return requireRowAffected(result, store.ErrReportNotFound)
}

// Delete implements store.ReportStore.Delete
func (s *PostgresReportStore) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM reports WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete report: %w", mapError(err))
	}
	return requireRowAffected(result, store.ErrReportNotFound)
}

// ClaimFinalEmail implements store.ReportStore.ClaimFinalEmail.
// The claim is a single conditional UPDATE: only the caller whose
// statement finds final_email_at still NULL wins the row.
func (s *PostgresReportStore) ClaimFinalEmail(ctx context.Context, id uuid.UUID) (bool, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		UPDATE reports
		SET final_email_at = $1
		WHERE id = $2 AND final_email_at IS NULL AND is_canceled = FALSE
	`
	result, err := s.db.ExecContext(ctx, query, time.Now().UTC(), id)
	if err != nil {
		log.Error("failed to claim final email",
			slog.String("error", err.Error()),
			slog.String("report_id", id.String()))
		return false, fmt.Errorf("failed to claim final email: %w", mapError(err))
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

// SetLastPartialCursor implements store.ReportStore.SetLastPartialCursor
func (s *PostgresReportStore) SetLastPartialCursor(ctx context.Context, id uuid.UUID, cursor string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE reports SET last_partial_cursor = $1 WHERE id = $2`, cursor, id)
	if err != nil {
		return fmt.Errorf("failed to set last partial cursor: %w", mapError(err))
	}
	return requireRowAffected(result, store.ErrReportNotFound)
}

// IncrementEmailsSent implements store.ReportStore.IncrementEmailsSent
func (s *PostgresReportStore) IncrementEmailsSent(ctx context.Context, id uuid.UUID) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE reports SET emails_sent = emails_sent + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to increment emails sent: %w", mapError(err))
	}
	return requireRowAffected(result, store.ErrReportNotFound)
}

// IncrementRequestCounter implements store.ReportStore.IncrementRequestCounter
func (s *PostgresReportStore) IncrementRequestCounter(ctx context.Context, id uuid.UUID) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE reports SET request_counter = request_counter + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to increment request counter: %w", mapError(err))
	}
	return requireRowAffected(result, store.ErrReportNotFound)
}

// ListIncomplete implements store.ReportStore.ListIncomplete
func (s *PostgresReportStore) ListIncomplete(ctx context.Context, limit int) ([]*domain.Report, error) {
	query := `
		SELECT ` + reportColumns + ` FROM reports
		WHERE is_complete = FALSE AND is_canceled = FALSE
		ORDER BY created_at ASC
		LIMIT $1
	`
	return s.queryReports(ctx, query, limit)
}

// ListCompleteAwaitingFinalEmail implements store.ReportStore.ListCompleteAwaitingFinalEmail
func (s *PostgresReportStore) ListCompleteAwaitingFinalEmail(ctx context.Context, limit int) ([]*domain.Report, error) {
	query := `
		SELECT ` + reportColumns + ` FROM reports
		WHERE is_complete = TRUE AND is_canceled = FALSE AND final_email_at IS NULL
		ORDER BY created_at ASC
		LIMIT $1
	`
	return s.queryReports(ctx, query, limit)
}

// rowScanner abstracts *sql.Row and *sql.Rows for scanReportFields.
type rowScanner interface {
	Scan(dest ...any) error
}

func (s *PostgresReportStore) scanReport(ctx context.Context, row *sql.Row) (*domain.Report, error) {
	report, err := scanReportFields(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrReportNotFound
		}
		logger.FromContextOrDefault(ctx, s.logger).Error("failed to scan report row",
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to get report: %w", err)
	}
	return report, nil
}

func (s *PostgresReportStore) queryReports(ctx context.Context, query string, args ...any) ([]*domain.Report, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		log.Error("failed to query reports", slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to query reports: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var reports []*domain.Report
	for rows.Next() {
		report, err := scanReportFields(rows)
		if err != nil {
			log.Error("failed to scan report row", slog.String("error", err.Error()))
			return nil, fmt.Errorf("failed to scan report row: %w", err)
		}
		reports = append(reports, report)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating report rows: %w", err)
	}

	return reports, nil
}

func scanReportFields(row rowScanner) (*domain.Report, error) {
	var (
		report       domain.Report
		issuesRaw    []byte
		finalEmailAt sql.NullTime
	)

	err := row.Scan(
		&report.ID,
		&report.UserID,
		&report.UserEmail,
		&report.RepoURL,
		&report.Keyword,
		&issuesRaw,
		&report.Version,
		&report.BatchCursor,
		&report.IsComplete,
		&report.IsCanceled,
		&report.EmailsSent,
		&report.RequestCounter,
		&report.LastPartialCursor,
		&finalEmailAt,
		&report.CreatedAt,
		&report.LastFetched,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(issuesRaw, &report.Issues); err != nil {
		return nil, fmt.Errorf("failed to unmarshal issues: %w", err)
	}
	if finalEmailAt.Valid {
		t := finalEmailAt.Time
		report.FinalEmailAt = &t
	}

	return &report, nil
}

// requireRowAffected converts a zero-row UPDATE/DELETE into notFoundErr.
func requireRowAffected(result sql.Result, notFoundErr error) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return notFoundErr
	}
	return nil
}
