package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/issuewatch/issuewatch-api/internal/api/middleware"
	"github.com/issuewatch/issuewatch-api/internal/domain"
	"github.com/issuewatch/issuewatch-api/internal/service"
	"github.com/issuewatch/issuewatch-api/internal/store"
)

// fakeReportService implements service.ReportService with overridable
// function fields.
type fakeReportService struct {
	SubmitReportFn      func(ctx context.Context, userID uuid.UUID, userEmail, repoURL, keyword string) (*service.SubmitResult, error)
	GetReportFn         func(ctx context.Context, userID, reportID uuid.UUID) (*domain.Report, error)
	ListUserReportsFn   func(ctx context.Context, userID uuid.UUID) ([]*domain.Report, error)
	CancelReportFn      func(ctx context.Context, userID, reportID uuid.UUID) error
	DeleteReportFn      func(ctx context.Context, userID, reportID uuid.UUID) error
	RequeueErrorTasksFn func(ctx context.Context, userID, reportID uuid.UUID) (int, error)
	FinalizeReportFn    func(ctx context.Context, userID, reportID uuid.UUID) (int, error)
	GetWorkloadStatusFn func(ctx context.Context, userID uuid.UUID) (*service.WorkloadStatus, error)
}

func (f *fakeReportService) SubmitReport(ctx context.Context, userID uuid.UUID, userEmail, repoURL, keyword string) (*service.SubmitResult, error) {
	return f.SubmitReportFn(ctx, userID, userEmail, repoURL, keyword)
}

func (f *fakeReportService) GetReport(ctx context.Context, userID, reportID uuid.UUID) (*domain.Report, error) {
	return f.GetReportFn(ctx, userID, reportID)
}

func (f *fakeReportService) ListUserReports(ctx context.Context, userID uuid.UUID) ([]*domain.Report, error) {
	return f.ListUserReportsFn(ctx, userID)
}

func (f *fakeReportService) CancelReport(ctx context.Context, userID, reportID uuid.UUID) error {
	return f.CancelReportFn(ctx, userID, reportID)
}

func (f *fakeReportService) DeleteReport(ctx context.Context, userID, reportID uuid.UUID) error {
	return f.DeleteReportFn(ctx, userID, reportID)
}

func (f *fakeReportService) RequeueErrorTasks(ctx context.Context, userID, reportID uuid.UUID) (int, error) {
	return f.RequeueErrorTasksFn(ctx, userID, reportID)
}

func (f *fakeReportService) FinalizeReport(ctx context.Context, userID, reportID uuid.UUID) (int, error) {
	return f.FinalizeReportFn(ctx, userID, reportID)
}

func (f *fakeReportService) GetWorkloadStatus(ctx context.Context, userID uuid.UUID) (*service.WorkloadStatus, error) {
	return f.GetWorkloadStatusFn(ctx, userID)
}

func newTestRouter(t *testing.T, svc service.ReportService) http.Handler {
	t.Helper()
	h := NewReportHandler(svc, slog.New(slog.NewTextHandler(io.Discard, nil)))
	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.IdentityMiddleware)
		h.RegisterRoutes(r)
	})
	return r
}

func doRequest(t *testing.T, handler http.Handler, method, path string, userID uuid.UUID, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if userID != uuid.Nil {
		req.Header.Set(middleware.UserIDHeader, userID.String())
		req.Header.Set(middleware.UserEmailHeader, "dev@example.com")
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func testReport(t *testing.T, userID uuid.UUID) *domain.Report {
	t.Helper()
	report, err := domain.NewReport(userID, "dev@example.com", "https://github.com/golang/go", "memory leak")
	require.NoError(t, err)
	report.Issues = []domain.Issue{
		{ID: "I_1", Number: 1, Title: "leak in pool", Body: "b", CreatedAt: "2024-03-01T10:00:00Z", RelevanceScore: 88, Explanation: "relevant."},
		{ID: "I_2", Number: 2, Title: "typo", Body: "b", CreatedAt: "2024-03-01T10:00:00Z", RelevanceScore: 12, Explanation: "not relevant."},
	}
	return report
}

func TestSubmitReportEndpoint(t *testing.T) {
	userID := uuid.New()
	report := testReport(t, userID)
	svc := &fakeReportService{
		SubmitReportFn: func(ctx context.Context, gotUserID uuid.UUID, userEmail, repoURL, keyword string) (*service.SubmitResult, error) {
			assert.Equal(t, userID, gotUserID)
			assert.Equal(t, "dev@example.com", userEmail)
			assert.Equal(t, "https://github.com/golang/go", repoURL)
			assert.Equal(t, "memory leak", keyword)
			return &service.SubmitResult{Report: report}, nil
		},
	}
	router := newTestRouter(t, svc)

	rec := doRequest(t, router, http.MethodPost, "/api/reports", userID, SubmitReportRequest{
		RepoURL: "https://github.com/golang/go",
		Keyword: "memory leak",
	})

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp SubmitReportResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, report.ID, resp.Report.ID)
	assert.Equal(t, 2, resp.Report.TotalIssues)
	assert.Equal(t, 1, resp.Report.RelevantIssues)
	require.Len(t, resp.Report.Issues, 1)
	assert.Equal(t, "I_1", resp.Report.Issues[0].ID)
	assert.False(t, resp.Cached)
}

func TestSubmitReportEndpoint_CachedReturnsOK(t *testing.T) {
	userID := uuid.New()
	report := testReport(t, userID)
	svc := &fakeReportService{
		SubmitReportFn: func(ctx context.Context, _ uuid.UUID, _, _, _ string) (*service.SubmitResult, error) {
			return &service.SubmitResult{Report: report, Cached: true}, nil
		},
	}
	router := newTestRouter(t, svc)

	rec := doRequest(t, router, http.MethodPost, "/api/reports", userID, SubmitReportRequest{
		RepoURL: "https://github.com/golang/go",
		Keyword: "memory leak",
	})

	require.Equal(t, http.StatusOK, rec.Code)
	var resp SubmitReportResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Cached)
}

func TestSubmitReportEndpoint_ValidationFailures(t *testing.T) {
	svc := &fakeReportService{
		SubmitReportFn: func(ctx context.Context, _ uuid.UUID, _, _, _ string) (*service.SubmitResult, error) {
			t.Fatal("service must not be called for invalid payloads")
			return nil, nil
		},
	}
	router := newTestRouter(t, svc)
	userID := uuid.New()

	tests := []struct {
		name string
		body any
	}{
		{name: "missing keyword", body: SubmitReportRequest{RepoURL: "https://github.com/golang/go"}},
		{name: "missing repo", body: SubmitReportRequest{Keyword: "leak"}},
		{name: "not a url", body: SubmitReportRequest{RepoURL: "golang/go", Keyword: "leak"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := doRequest(t, router, http.MethodPost, "/api/reports", userID, tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestSubmitReportEndpoint_DomainErrorMapped(t *testing.T) {
	svc := &fakeReportService{
		SubmitReportFn: func(ctx context.Context, _ uuid.UUID, _, _, _ string) (*service.SubmitResult, error) {
			return nil, domain.ErrInvalidRepoURL
		},
	}
	router := newTestRouter(t, svc)

	rec := doRequest(t, router, http.MethodPost, "/api/reports", uuid.New(), SubmitReportRequest{
		RepoURL: "https://gitlab.com/a/b",
		Keyword: "leak",
	})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "github.com")
}

func TestGetReportEndpoint(t *testing.T) {
	userID := uuid.New()
	report := testReport(t, userID)
	svc := &fakeReportService{
		GetReportFn: func(ctx context.Context, gotUserID, reportID uuid.UUID) (*domain.Report, error) {
			assert.Equal(t, userID, gotUserID)
			assert.Equal(t, report.ID, reportID)
			return report, nil
		},
	}
	router := newTestRouter(t, svc)

	rec := doRequest(t, router, http.MethodGet, "/api/reports/"+report.ID.String(), userID, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp ReportResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, report.ID, resp.ID)
	assert.Equal(t, 2, resp.TotalIssues)
	require.Len(t, resp.Issues, 1)
	assert.Equal(t, "I_1", resp.Issues[0].ID)
}

func TestGetReportEndpoint_Statuses(t *testing.T) {
	userID := uuid.New()
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{name: "not found", err: store.ErrReportNotFound, status: http.StatusNotFound},
		{name: "not owned", err: service.ErrNotOwned, status: http.StatusForbidden},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			svc := &fakeReportService{
				GetReportFn: func(ctx context.Context, _, _ uuid.UUID) (*domain.Report, error) {
					return nil, tc.err
				},
			}
			router := newTestRouter(t, svc)
			rec := doRequest(t, router, http.MethodGet, "/api/reports/"+uuid.NewString(), userID, nil)
			assert.Equal(t, tc.status, rec.Code)
		})
	}
}

func TestGetReportEndpoint_InvalidID(t *testing.T) {
	svc := &fakeReportService{}
	router := newTestRouter(t, svc)

	rec := doRequest(t, router, http.MethodGet, "/api/reports/not-a-uuid", uuid.New(), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListReportsEndpoint(t *testing.T) {
	userID := uuid.New()
	report := testReport(t, userID)
	svc := &fakeReportService{
		ListUserReportsFn: func(ctx context.Context, _ uuid.UUID) ([]*domain.Report, error) {
			return []*domain.Report{report}, nil
		},
	}
	router := newTestRouter(t, svc)

	rec := doRequest(t, router, http.MethodGet, "/api/reports", userID, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp []ReportSummaryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp, 1)
	assert.Equal(t, report.ID, resp[0].ID)
	// List view carries counters, not issue bodies.
	assert.NotContains(t, rec.Body.String(), "leak in pool")
}

func TestCancelReportEndpoint(t *testing.T) {
	userID := uuid.New()
	reportID := uuid.New()
	canceled := false
	svc := &fakeReportService{
		CancelReportFn: func(ctx context.Context, _, gotReportID uuid.UUID) error {
			assert.Equal(t, reportID, gotReportID)
			canceled = true
			return nil
		},
	}
	router := newTestRouter(t, svc)

	rec := doRequest(t, router, http.MethodPost, "/api/reports/"+reportID.String()+"/cancel", userID, nil)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, canceled)
}

func TestRequeueEndpoint(t *testing.T) {
	userID := uuid.New()
	reportID := uuid.New()
	svc := &fakeReportService{
		RequeueErrorTasksFn: func(ctx context.Context, _, _ uuid.UUID) (int, error) {
			return 4, nil
		},
	}
	router := newTestRouter(t, svc)

	rec := doRequest(t, router, http.MethodPost, "/api/reports/"+reportID.String()+"/requeue", userID, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp RequeueResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 4, resp.Requeued)
}

func TestFinalizeEndpoint(t *testing.T) {
	userID := uuid.New()
	reportID := uuid.New()
	svc := &fakeReportService{
		FinalizeReportFn: func(ctx context.Context, _, gotReportID uuid.UUID) (int, error) {
			assert.Equal(t, reportID, gotReportID)
			return 3, nil
		},
	}
	router := newTestRouter(t, svc)

	rec := doRequest(t, router, http.MethodPost, "/api/reports/"+reportID.String()+"/finalize", userID, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp FinalizeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Substituted)
}

func TestFinalizeEndpoint_CompleteReportConflicts(t *testing.T) {
	svc := &fakeReportService{
		FinalizeReportFn: func(ctx context.Context, _, _ uuid.UUID) (int, error) {
			return 0, domain.ErrReportComplete
		},
	}
	router := newTestRouter(t, svc)

	rec := doRequest(t, router, http.MethodPost, "/api/reports/"+uuid.NewString()+"/finalize", uuid.New(), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDeleteReportEndpoint(t *testing.T) {
	userID := uuid.New()
	reportID := uuid.New()
	svc := &fakeReportService{
		DeleteReportFn: func(ctx context.Context, _, gotReportID uuid.UUID) error {
			assert.Equal(t, reportID, gotReportID)
			return nil
		},
	}
	router := newTestRouter(t, svc)

	rec := doRequest(t, router, http.MethodDelete, "/api/reports/"+reportID.String(), userID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestWorkloadEndpoint(t *testing.T) {
	userID := uuid.New()
	svc := &fakeReportService{
		GetWorkloadStatusFn: func(ctx context.Context, _ uuid.UUID) (*service.WorkloadStatus, error) {
			return &service.WorkloadStatus{OpenReports: 2, QueuedTasks: 7, RunningTasks: 1}, nil
		},
	}
	router := newTestRouter(t, svc)

	rec := doRequest(t, router, http.MethodGet, "/api/workload", userID, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp service.WorkloadStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.OpenReports)
	assert.Equal(t, 7, resp.QueuedTasks)
}

func TestIdentityMiddleware_RejectsAnonymous(t *testing.T) {
	svc := &fakeReportService{}
	router := newTestRouter(t, svc)

	rec := doRequest(t, router, http.MethodGet, "/api/reports", uuid.Nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestIdentityMiddleware_RejectsBadEmail(t *testing.T) {
	svc := &fakeReportService{}
	router := newTestRouter(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/api/reports", nil)
	req.Header.Set(middleware.UserIDHeader, uuid.NewString())
	req.Header.Set(middleware.UserEmailHeader, "not-an-email")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
