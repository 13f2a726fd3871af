package mocks

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/issuewatch/issuewatch-api/internal/domain"
	"github.com/issuewatch/issuewatch-api/internal/store"
)

// MemReportStore is an in-memory store.ReportStore.
type MemReportStore struct {
	mu      sync.Mutex
	reports map[uuid.UUID]*domain.Report

	// ConflictsLeft makes the next N UpdateIssues calls fail with
	// store.ErrConflict before succeeding, to exercise retry paths.
	ConflictsLeft int

	// FailWith, when set, is returned by every method.
	FailWith error
}

// NewMemReportStore creates a store seeded with copies of the given
// reports.
func NewMemReportStore(reports ...*domain.Report) *MemReportStore {
	s := &MemReportStore{reports: make(map[uuid.UUID]*domain.Report)}
	for _, r := range reports {
		s.reports[r.ID] = cloneReport(r)
	}
	return s
}

func cloneReport(r *domain.Report) *domain.Report {
	c := *r
	c.Issues = append([]domain.Issue(nil), r.Issues...)
	return &c
}

func (s *MemReportStore) get(id uuid.UUID) (*domain.Report, error) {
	r, ok := s.reports[id]
	if !ok {
		return nil, store.ErrReportNotFound
	}
	return r, nil
}

func (s *MemReportStore) Create(ctx context.Context, report *domain.Report) error {
	if s.FailWith != nil {
		return s.FailWith
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reports[report.ID]; ok {
		return store.ErrDuplicate
	}
	for _, r := range s.reports {
		if r.RepoURL == report.RepoURL && r.Keyword == report.Keyword {
			return store.ErrDuplicate
		}
	}
	s.reports[report.ID] = cloneReport(report)
	return nil
}

func (s *MemReportStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Report, error) {
	if s.FailWith != nil {
		return nil, s.FailWith
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.get(id)
	if err != nil {
		return nil, err
	}
	return cloneReport(r), nil
}

func (s *MemReportStore) GetByRepoAndKeyword(ctx context.Context, repoURL, keyword string) (*domain.Report, error) {
	if s.FailWith != nil {
		return nil, s.FailWith
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.reports {
		if r.RepoURL == repoURL && r.Keyword == keyword {
			return cloneReport(r), nil
		}
	}
	return nil, store.ErrReportNotFound
}

func (s *MemReportStore) ListByUser(ctx context.Context, userID uuid.UUID) ([]*domain.Report, error) {
	if s.FailWith != nil {
		return nil, s.FailWith
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Report
	for _, r := range s.reports {
		if r.UserID == userID {
			out = append(out, cloneReport(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemReportStore) CountIncompleteByUser(ctx context.Context, userID uuid.UUID) (int, error) {
	if s.FailWith != nil {
		return 0, s.FailWith
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.reports {
		if r.UserID == userID && !r.IsComplete && !r.IsCanceled {
			n++
		}
	}
	return n, nil
}

func (s *MemReportStore) UpdateIssues(ctx context.Context, id uuid.UUID, issues []domain.Issue, version int) error {
	if s.FailWith != nil {
		return s.FailWith
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ConflictsLeft > 0 {
		s.ConflictsLeft--
		return store.ErrConflict
	}
	r, err := s.get(id)
	if err != nil {
		return err
	}
	if r.Version != version {
		return store.ErrConflict
	}
	r.Issues = append([]domain.Issue(nil), issues...)
	r.Version++
	return nil
}

func (s *MemReportStore) AdvanceCursor(ctx context.Context, id uuid.UUID, issues []domain.Issue, cursor string, complete bool) error {
	if s.FailWith != nil {
		return s.FailWith
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.get(id)
	if err != nil {
		return err
	}
	r.Issues = append([]domain.Issue(nil), issues...)
	r.Version++
	r.BatchCursor = cursor
	r.IsComplete = complete
	r.LastFetched = time.Now().UTC()
	return nil
}

func (s *MemReportStore) SetCanceled(ctx context.Context, id uuid.UUID) error {
	if s.FailWith != nil {
		return s.FailWith
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.get(id)
	if err != nil {
		return err
	}
	r.IsCanceled = true
	return nil
}

func (s *MemReportStore) Delete(ctx context.Context, id uuid.UUID) error {
	if s.FailWith != nil {
		return s.FailWith
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reports[id]; !ok {
		return store.ErrReportNotFound
	}
	delete(s.reports, id)
	return nil
}

func (s *MemReportStore) ClaimFinalEmail(ctx context.Context, id uuid.UUID) (bool, error) {
	if s.FailWith != nil {
		return false, s.FailWith
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.get(id)
	if err != nil {
		return false, err
	}
	if !r.IsComplete || r.FinalEmailAt != nil {
		return false, nil
	}
	now := time.Now().UTC()
	r.FinalEmailAt = &now
	return true, nil
}

func (s *MemReportStore) SetLastPartialCursor(ctx context.Context, id uuid.UUID, cursor string) error {
	if s.FailWith != nil {
		return s.FailWith
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.get(id)
	if err != nil {
		return err
	}
	r.LastPartialCursor = cursor
	return nil
}

func (s *MemReportStore) IncrementEmailsSent(ctx context.Context, id uuid.UUID) error {
	if s.FailWith != nil {
		return s.FailWith
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.get(id)
	if err != nil {
		return err
	}
	r.EmailsSent++
	return nil
}

func (s *MemReportStore) IncrementRequestCounter(ctx context.Context, id uuid.UUID) error {
	if s.FailWith != nil {
		return s.FailWith
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.get(id)
	if err != nil {
		return err
	}
	r.RequestCounter++
	return nil
}

func (s *MemReportStore) ListIncomplete(ctx context.Context, limit int) ([]*domain.Report, error) {
	if s.FailWith != nil {
		return nil, s.FailWith
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Report
	for _, r := range s.reports {
		if !r.IsComplete && !r.IsCanceled {
			out = append(out, cloneReport(r))
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemReportStore) ListCompleteAwaitingFinalEmail(ctx context.Context, limit int) ([]*domain.Report, error) {
	if s.FailWith != nil {
		return nil, s.FailWith
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Report
	for _, r := range s.reports {
		if r.IsComplete && !r.IsCanceled && r.FinalEmailAt == nil {
			out = append(out, cloneReport(r))
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemReportStore) WithTx(tx *sql.Tx) store.ReportStore { return s }

// Len returns the number of stored reports.
func (s *MemReportStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reports)
}
