package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/issuewatch/issuewatch-api/internal/analysis"
	"github.com/issuewatch/issuewatch-api/internal/config"
	"github.com/issuewatch/issuewatch-api/internal/domain"
	"github.com/issuewatch/issuewatch-api/internal/mocks"
	"github.com/issuewatch/issuewatch-api/internal/platform/github"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// harness wires a full worker stack over in-memory fakes.
type harness struct {
	reports  *mocks.MemReportStore
	tasks    *mocks.MemTaskStore
	rates    *mocks.MemRateLimitStore
	analyzer *fakeAnalyzer
	sender   *fakeSender
	source   *fakeSource
	ticker   *Ticker
	wakes    []time.Duration
}

func newHarness(t *testing.T, reports ...*domain.Report) *harness {
	t.Helper()

	h := &harness{
		reports:  mocks.NewMemReportStore(reports...),
		tasks:    mocks.NewMemTaskStore(),
		rates:    mocks.NewMemRateLimitStore(),
		analyzer: newFakeAnalyzer(),
		sender:   &fakeSender{},
		source:   newFakeSource(),
	}
	wake := func(d time.Duration) { h.wakes = append(h.wakes, d) }
	log := discardLogger()

	limiter := NewRateLimiter(h.rates, config.RateLimitConfig{
		RequestsPerMinute:      700,
		BucketRetentionMinutes: 5,
		EstimatedTokensPerTask: 1300,
	}, log)
	lock := NewLeaseLock(mocks.NewMemLockStore(), "test-worker", log)

	notifier := NewNotifier(h.reports, h.sender, log)
	paginator := NewPaginator(h.reports, h.tasks, h.source, config.GitHubConfig{
		Token:              "t",
		PageSize:           100,
		MaxIssuesPerReport: 4000,
	}, wake, log)
	notifier.SetPager(paginator)
	paginator.SetMailer(notifier)

	h.ticker = NewTicker(
		h.reports, h.tasks, limiter, lock, h.analyzer, notifier, paginator, wake,
		config.WorkerConfig{
			MaxConcurrent:           3,
			MaxAttempts:             3,
			TickBudgetSeconds:       50,
			PerOwnerMaxRunning:      25,
			PerOwnerMaxPerSelection: 10,
			TaskRetentionHours:      72,
		},
		config.LLMConfig{TimeoutSeconds: 120},
		config.RateLimitConfig{
			RequestsPerMinute:      700,
			BucketRetentionMinutes: 5,
			EstimatedTokensPerTask: 1300,
		},
		log,
	)
	return h
}

// runUntilIdle ticks until no queued tasks remain, bounded so a
// regression cannot spin forever.
func (h *harness) runUntilIdle(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		require.NoError(t, h.ticker.Tick(ctx))
		counts := h.tasks.StatusCounts()
		if counts[domain.TaskStatusQueued] == 0 && counts[domain.TaskStatusRunning] == 0 {
			// One more pass so the empty-queue rescue path runs.
			require.NoError(t, h.ticker.Tick(ctx))
			return
		}
	}
	t.Fatal("queue did not drain")
}

func newIncompleteReport(t *testing.T, issues []domain.Issue, cursor string) *domain.Report {
	t.Helper()
	report, err := domain.NewReport(uuid.New(), "dev@example.com", "https://github.com/golang/go", "memory leak")
	require.NoError(t, err)
	report.Issues = issues
	report.BatchCursor = cursor
	return report
}

func TestTick_SinglePageReportCompletesWithFinalEmail(t *testing.T) {
	issues := []domain.Issue{testIssue("I_1", 1), testIssue("I_2", 2)}
	report := newIncompleteReport(t, issues, "")
	h := newHarness(t, report)

	h.analyzer.scores["I_1"] = 87
	h.analyzer.scores["I_2"] = 12
	ctx := context.Background()
	_, err := h.tasks.EnqueueMissing(ctx, report.ID, report.UserID, report.Keyword, issues)
	require.NoError(t, err)

	h.runUntilIdle(t)

	got, err := h.reports.GetByID(ctx, report.ID)
	require.NoError(t, err)
	assert.True(t, got.IsComplete)
	assert.Equal(t, 0, got.PendingCount())
	assert.Equal(t, 87, got.Issues[0].RelevanceScore)
	require.NotNil(t, got.FinalEmailAt)

	emails := h.sender.emails()
	require.Len(t, emails, 1)
	assert.Equal(t, "dev@example.com", emails[0].To)
	assert.Contains(t, emails[0].Subject, "(Final)")
	assert.Contains(t, emails[0].HTML, "issue 1")
	assert.NotContains(t, emails[0].HTML, "issue 2")

	counts := h.tasks.StatusCounts()
	assert.Equal(t, 2, counts[domain.TaskStatusDone])
}

func TestTick_MultiPageReportSendsPartialThenFetchesNextPage(t *testing.T) {
	first := []domain.Issue{testIssue("I_1", 1)}
	report := newIncompleteReport(t, first, "2")
	h := newHarness(t, report)

	h.analyzer.scores["I_1"] = 91
	h.analyzer.scores["I_2"] = 64
	h.source.pages["2"] = &github.IssuePage{
		Issues:      []domain.Issue{testIssue("I_2", 2)},
		HasNextPage: false,
	}

	ctx := context.Background()
	_, err := h.tasks.EnqueueMissing(ctx, report.ID, report.UserID, report.Keyword, first)
	require.NoError(t, err)

	h.runUntilIdle(t)

	got, err := h.reports.GetByID(ctx, report.ID)
	require.NoError(t, err)
	assert.True(t, got.IsComplete)
	assert.Len(t, got.Issues, 2)
	assert.Equal(t, []string{"2"}, h.source.calls)

	emails := h.sender.emails()
	require.Len(t, emails, 2)
	assert.Contains(t, emails[0].Subject, "(Partial - 1)")
	assert.Contains(t, emails[1].Subject, "(Final - 2)")
	assert.Equal(t, 2, got.EmailsSent)
	assert.Equal(t, "2", got.LastPartialCursor)
}

func TestTick_CanceledReportSweepsTasksWithoutEmail(t *testing.T) {
	issues := []domain.Issue{testIssue("I_1", 1), testIssue("I_2", 2)}
	report := newIncompleteReport(t, issues, "")
	h := newHarness(t, report)

	ctx := context.Background()
	_, err := h.tasks.EnqueueMissing(ctx, report.ID, report.UserID, report.Keyword, issues)
	require.NoError(t, err)
	require.NoError(t, h.reports.SetCanceled(ctx, report.ID))

	h.runUntilIdle(t)

	assert.Zero(t, h.analyzer.callCount())
	assert.Empty(t, h.sender.emails())
	counts := h.tasks.StatusCounts()
	assert.Equal(t, 2, counts[domain.TaskStatusCanceled])
}

func TestTick_FailingTaskRetriesThenParksInError(t *testing.T) {
	issues := []domain.Issue{testIssue("I_1", 1), testIssue("I_2", 2)}
	report := newIncompleteReport(t, issues, "")
	h := newHarness(t, report)

	h.analyzer.scores["I_2"] = 72
	h.analyzer.failFor["I_1"] = errors.New("model unavailable")

	ctx := context.Background()
	_, err := h.tasks.EnqueueMissing(ctx, report.ID, report.UserID, report.Keyword, issues)
	require.NoError(t, err)

	h.runUntilIdle(t)

	counts := h.tasks.StatusCounts()
	assert.Equal(t, 1, counts[domain.TaskStatusError])
	assert.Equal(t, 1, counts[domain.TaskStatusDone])

	// The failed issue keeps the report open; no final email goes out.
	got, err := h.reports.GetByID(ctx, report.ID)
	require.NoError(t, err)
	assert.False(t, got.IsComplete)
	assert.Equal(t, 1, got.PendingCount())
	assert.Equal(t, analysis.FailedExplanation, got.Issues[0].Explanation)
	assert.Empty(t, h.sender.emails())
}

func TestTick_CommitRetriesOnConflict(t *testing.T) {
	issues := []domain.Issue{testIssue("I_1", 1)}
	report := newIncompleteReport(t, issues, "")
	h := newHarness(t, report)
	h.analyzer.scores["I_1"] = 66
	h.reports.ConflictsLeft = 2

	ctx := context.Background()
	_, err := h.tasks.EnqueueMissing(ctx, report.ID, report.UserID, report.Keyword, issues)
	require.NoError(t, err)

	h.runUntilIdle(t)

	got, err := h.reports.GetByID(ctx, report.ID)
	require.NoError(t, err)
	assert.Equal(t, 66, got.Issues[0].RelevanceScore)
	assert.True(t, got.IsComplete)
}

func TestTick_RateBudgetExhaustedDefersWork(t *testing.T) {
	issues := []domain.Issue{testIssue("I_1", 1)}
	report := newIncompleteReport(t, issues, "")
	h := newHarness(t, report)

	ctx := context.Background()
	_, err := h.tasks.EnqueueMissing(ctx, report.ID, report.UserID, report.Keyword, issues)
	require.NoError(t, err)

	// Burn the whole minute budget up front.
	require.NoError(t, h.rates.Increment(ctx, MinuteBucket(time.Now()), 700, 0))

	require.NoError(t, h.ticker.Tick(ctx))

	assert.Zero(t, h.analyzer.callCount())
	counts := h.tasks.StatusCounts()
	assert.Equal(t, 1, counts[domain.TaskStatusQueued])
	require.NotEmpty(t, h.wakes)
	assert.Equal(t, 2*time.Second, h.wakes[len(h.wakes)-1])
}

func TestTick_ConsumesRateBudgetPerAnalysis(t *testing.T) {
	issues := []domain.Issue{testIssue("I_1", 1), testIssue("I_2", 2), testIssue("I_3", 3)}
	report := newIncompleteReport(t, issues, "")
	h := newHarness(t, report)

	ctx := context.Background()
	_, err := h.tasks.EnqueueMissing(ctx, report.ID, report.UserID, report.Keyword, issues)
	require.NoError(t, err)

	require.NoError(t, h.ticker.Tick(ctx))

	usage, err := h.rates.Get(ctx, MinuteBucket(time.Now()))
	require.NoError(t, err)
	assert.Equal(t, 3, usage.Requests)
	assert.Equal(t, 3*1300, usage.Tokens)
}

func TestTick_RescueSendsFinalEmailForStalledCompleteReport(t *testing.T) {
	report := newIncompleteReport(t, []domain.Issue{
		{ID: "I_1", Number: 1, Title: "issue 1", Body: "b", CreatedAt: "2024-03-01T10:00:00Z", RelevanceScore: 88, Explanation: "relevant."},
	}, "")
	report.IsComplete = true
	h := newHarness(t, report)

	h.runUntilIdle(t)

	emails := h.sender.emails()
	require.Len(t, emails, 1)
	assert.Contains(t, emails[0].Subject, "(Final)")
}

func TestTick_RescueFetchesPageForStalledCursorReport(t *testing.T) {
	// Cursor set, no pending issues, empty queue: a crash after the
	// partial email but before the next fetch leaves this shape.
	report := newIncompleteReport(t, []domain.Issue{
		{ID: "I_1", Number: 1, Title: "issue 1", Body: "b", CreatedAt: "2024-03-01T10:00:00Z", RelevanceScore: 12, Explanation: "not relevant."},
	}, "2")
	h := newHarness(t, report)
	h.source.pages["2"] = &github.IssuePage{
		Issues:      []domain.Issue{testIssue("I_2", 2)},
		HasNextPage: false,
	}
	h.analyzer.scores["I_2"] = 9

	h.runUntilIdle(t)

	assert.Equal(t, []string{"2"}, h.source.calls)
	ctx := context.Background()
	got, err := h.reports.GetByID(ctx, report.ID)
	require.NoError(t, err)
	assert.True(t, got.IsComplete)

	// Nothing scored above threshold, so the one email is the
	// no-relevant final notice and the counter stays untouched.
	emails := h.sender.emails()
	require.Len(t, emails, 1)
	assert.Equal(t, 0, got.EmailsSent)
}

func TestTick_LockHeldElsewhereSkips(t *testing.T) {
	issues := []domain.Issue{testIssue("I_1", 1)}
	report := newIncompleteReport(t, issues, "")
	h := newHarness(t, report)

	ctx := context.Background()
	_, err := h.tasks.EnqueueMissing(ctx, report.ID, report.UserID, report.Keyword, issues)
	require.NoError(t, err)

	// Another process holds the lease.
	locks := mocks.NewMemLockStore()
	held, err := locks.TryAcquire(ctx, WorkerLockName, "other", time.Minute)
	require.NoError(t, err)
	require.True(t, held)
	h.ticker.lock = NewLeaseLock(locks, "test-worker", discardLogger())

	require.NoError(t, h.ticker.Tick(ctx))
	assert.Zero(t, h.analyzer.callCount())
}

func TestTick_RescueFinalizesDrainedReportWithoutCursor(t *testing.T) {
	issues := []domain.Issue{testIssue("I_1", 1), testIssue("I_2", 2)}
	report := newIncompleteReport(t, issues, "")
	h := newHarness(t, report)

	h.analyzer.scores["I_2"] = 72
	h.analyzer.failFor["I_1"] = errors.New("model unavailable")

	ctx := context.Background()
	_, err := h.tasks.EnqueueMissing(ctx, report.ID, report.UserID, report.Keyword, issues)
	require.NoError(t, err)

	h.runUntilIdle(t)

	// Parked in error; report held open by the failure marker.
	got, err := h.reports.GetByID(ctx, report.ID)
	require.NoError(t, err)
	require.False(t, got.IsComplete)

	// Operator substitutes the determinate placeholder, as the finalize
	// endpoint does, then the next tick's rescue completes the report.
	fixed := append([]domain.Issue(nil), got.Issues...)
	for i := range fixed {
		if fixed[i].Pending() {
			fixed[i].Explanation = domain.PlaceholderExplanation
		}
	}
	require.NoError(t, h.reports.UpdateIssues(ctx, report.ID, fixed, got.Version))

	require.NoError(t, h.ticker.Tick(ctx))

	got, err = h.reports.GetByID(ctx, report.ID)
	require.NoError(t, err)
	assert.True(t, got.IsComplete)
	assert.NotNil(t, got.FinalEmailAt)
	emails := h.sender.emails()
	require.Len(t, emails, 1)
	assert.Contains(t, emails[0].Subject, "(Final)")
}
