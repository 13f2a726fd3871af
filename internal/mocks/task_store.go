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

// MemTaskStore is an in-memory store.TaskStore with the same retry
// ceiling behavior as the Postgres implementation.
type MemTaskStore struct {
	mu          sync.Mutex
	tasks       map[uuid.UUID]*domain.AnalysisTask
	MaxAttempts int

	// FailWith, when set, is returned by every method.
	FailWith error
}

// NewMemTaskStore creates an empty task store with the default retry
// ceiling of three attempts.
func NewMemTaskStore() *MemTaskStore {
	return &MemTaskStore{tasks: make(map[uuid.UUID]*domain.AnalysisTask), MaxAttempts: 3}
}

func (s *MemTaskStore) byStatus(status domain.TaskStatus) []*domain.AnalysisTask {
	var out []*domain.AnalysisTask
	for _, t := range s.tasks {
		if t.Status == status {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *MemTaskStore) EnqueueMissing(ctx context.Context, reportID, ownerUserID uuid.UUID, keyword string, issues []domain.Issue) (int, error) {
	if s.FailWith != nil {
		return 0, s.FailWith
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for _, issue := range issues {
		exists := false
		for _, t := range s.tasks {
			if t.ReportID == reportID && t.Issue.ID == issue.ID {
				exists = true
				break
			}
		}
		if exists {
			continue
		}
		task, err := domain.NewAnalysisTask(reportID, ownerUserID, keyword, issue)
		if err != nil {
			return inserted, err
		}
		// Spread creation times out so FIFO ordering is deterministic.
		task.CreatedAt = time.Now().UTC().Add(time.Duration(len(s.tasks)) * time.Millisecond)
		s.tasks[task.ID] = task
		inserted++
	}
	return inserted, nil
}

func (s *MemTaskStore) SelectQueued(ctx context.Context, limit int) ([]*domain.AnalysisTask, error) {
	if s.FailWith != nil {
		return nil, s.FailWith
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	queued := s.byStatus(domain.TaskStatusQueued)
	if limit >= 0 && len(queued) > limit {
		queued = queued[:limit]
	}
	out := make([]*domain.AnalysisTask, len(queued))
	for i, t := range queued {
		c := *t
		out[i] = &c
	}
	return out, nil
}

func (s *MemTaskStore) setStatus(ids []uuid.UUID, status domain.TaskStatus) {
	for _, id := range ids {
		if t, ok := s.tasks[id]; ok {
			t.Status = status
			t.UpdatedAt = time.Now().UTC()
		}
	}
}

func (s *MemTaskStore) MarkRunning(ctx context.Context, ids []uuid.UUID) error {
	if s.FailWith != nil {
		return s.FailWith
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStatus(ids, domain.TaskStatusRunning)
	return nil
}

func (s *MemTaskStore) MarkDone(ctx context.Context, id uuid.UUID) error {
	if s.FailWith != nil {
		return s.FailWith
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return store.ErrTaskNotFound
	}
	t.Status = domain.TaskStatusDone
	t.Error = ""
	return nil
}

func (s *MemTaskStore) MarkRequeueOrError(ctx context.Context, id uuid.UUID, attempts int, errMsg string) error {
	if s.FailWith != nil {
		return s.FailWith
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return store.ErrTaskNotFound
	}
	t.Attempts = attempts
	t.Error = errMsg
	if attempts >= s.MaxAttempts {
		t.Status = domain.TaskStatusError
	} else {
		t.Status = domain.TaskStatusQueued
	}
	return nil
}

func (s *MemTaskStore) MarkCanceled(ctx context.Context, ids []uuid.UUID) error {
	if s.FailWith != nil {
		return s.FailWith
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStatus(ids, domain.TaskStatusCanceled)
	return nil
}

func (s *MemTaskStore) CancelQueuedForReport(ctx context.Context, reportID uuid.UUID) (int, error) {
	if s.FailWith != nil {
		return 0, s.FailWith
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if t.ReportID == reportID && t.Status == domain.TaskStatusQueued {
			t.Status = domain.TaskStatusCanceled
			n++
		}
	}
	return n, nil
}

func (s *MemTaskStore) RequeueErrors(ctx context.Context, reportID uuid.UUID) (int, error) {
	if s.FailWith != nil {
		return 0, s.FailWith
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if t.ReportID == reportID && t.Status == domain.TaskStatusError {
			t.Status = domain.TaskStatusQueued
			t.Attempts = 0
			t.Error = ""
			n++
		}
	}
	return n, nil
}

func (s *MemTaskStore) DeleteForReport(ctx context.Context, reportID uuid.UUID) (int, error) {
	if s.FailWith != nil {
		return 0, s.FailWith
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, t := range s.tasks {
		if t.ReportID == reportID {
			delete(s.tasks, id)
			n++
		}
	}
	return n, nil
}

func (s *MemTaskStore) CountActiveForReport(ctx context.Context, reportID uuid.UUID) (int, int, error) {
	if s.FailWith != nil {
		return 0, 0, s.FailWith
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	queued, running := 0, 0
	for _, t := range s.tasks {
		if t.ReportID != reportID {
			continue
		}
		switch t.Status {
		case domain.TaskStatusQueued:
			queued++
		case domain.TaskStatusRunning:
			running++
		}
	}
	return queued, running, nil
}

func (s *MemTaskStore) CountByOwnerAndStatus(ctx context.Context, ownerUserID uuid.UUID, status domain.TaskStatus) (int, error) {
	if s.FailWith != nil {
		return 0, s.FailWith
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if t.OwnerUserID == ownerUserID && t.Status == status {
			n++
		}
	}
	return n, nil
}

func (s *MemTaskStore) VacuumTerminal(ctx context.Context, olderThan time.Duration) (int, error) {
	if s.FailWith != nil {
		return 0, s.FailWith
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().UTC().Add(-olderThan)
	n := 0
	for id, t := range s.tasks {
		if t.Terminal() && t.UpdatedAt.Before(cutoff) {
			delete(s.tasks, id)
			n++
		}
	}
	return n, nil
}

func (s *MemTaskStore) WithTx(tx *sql.Tx) store.TaskStore { return s }

// StatusCounts returns the number of tasks per status.
func (s *MemTaskStore) StatusCounts() map[domain.TaskStatus]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[domain.TaskStatus]int)
	for _, t := range s.tasks {
		out[t.Status]++
	}
	return out
}

// Put inserts a task directly, for fixtures.
func (s *MemTaskStore) Put(task *domain.AnalysisTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *task
	s.tasks[task.ID] = &c
}
