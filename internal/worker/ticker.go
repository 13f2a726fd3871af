package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/issuewatch/issuewatch-api/internal/analysis"
	"github.com/issuewatch/issuewatch-api/internal/config"
	"github.com/issuewatch/issuewatch-api/internal/domain"
	"github.com/issuewatch/issuewatch-api/internal/platform/logger"
	"github.com/issuewatch/issuewatch-api/internal/store"
)

const (
	// lockMargin pads the lease TTL past the tick budget so the lease
	// cannot expire while the holder is still inside its budget.
	lockMargin = 5 * time.Second

	// commitRetries bounds optimistic reload-merge-write attempts when
	// two ticks race on the same report row.
	commitRetries = 3

	// rescueLimit bounds how many stalled reports one tick revives.
	rescueLimit = 3
)

// Ticker runs one pass of the analysis queue per invocation: select
// queued tasks under the global rate budget, fan the LLM calls out,
// commit scores back onto their reports, and hand drained reports to
// the notifier. A lease lock keeps at most one tick active across all
// processes.
type Ticker struct {
	reports  store.ReportStore
	tasks    store.TaskStore
	limiter  *RateLimiter
	lock     *LeaseLock
	analyzer analysis.Analyzer
	notifier ReportMailer
	pager    PageFetcher
	wake     func(time.Duration)

	maxConcurrent int
	maxAttempts   int
	tickBudget    time.Duration
	llmTimeout    time.Duration
	estTokens     int

	now    func() time.Time
	logger *slog.Logger
}

// NewTicker wires the tick loop. All dependencies are required.
func NewTicker(
	reports store.ReportStore,
	tasks store.TaskStore,
	limiter *RateLimiter,
	lock *LeaseLock,
	analyzer analysis.Analyzer,
	notifier ReportMailer,
	pager PageFetcher,
	wake func(time.Duration),
	workerCfg config.WorkerConfig,
	llmCfg config.LLMConfig,
	rateCfg config.RateLimitConfig,
	logger *slog.Logger,
) *Ticker {
	if reports == nil || tasks == nil || limiter == nil || lock == nil ||
		analyzer == nil || notifier == nil || pager == nil {
		panic("ticker dependencies cannot be nil")
	}
	if wake == nil {
		wake = func(time.Duration) {}
	}
	if logger == nil {
		logger = slog.Default()
	}

	maxConcurrent := workerCfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	tickBudget := time.Duration(workerCfg.TickBudgetSeconds) * time.Second
	if tickBudget <= 0 {
		tickBudget = 50 * time.Second
	}
	llmTimeout := time.Duration(llmCfg.TimeoutSeconds) * time.Second
	if llmTimeout <= 0 {
		llmTimeout = 120 * time.Second
	}
	estTokens := rateCfg.EstimatedTokensPerTask
	if estTokens <= 0 {
		estTokens = domain.DefaultEstimatedTokens
	}
	maxAttempts := workerCfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	return &Ticker{
		reports:       reports,
		tasks:         tasks,
		limiter:       limiter,
		lock:          lock,
		analyzer:      analyzer,
		notifier:      notifier,
		pager:         pager,
		wake:          wake,
		maxConcurrent: maxConcurrent,
		maxAttempts:   maxAttempts,
		tickBudget:    tickBudget,
		llmTimeout:    llmTimeout,
		estTokens:     estTokens,
		now:           time.Now,
		logger:        logger.With(slog.String("component", "ticker")),
	}
}

// taskResult pairs a finished task with its score, grouped per report
// before commit.
type taskResult struct {
	task   *domain.AnalysisTask
	result *analysis.Result

	// failed marks a terminal retry-exhaustion placeholder. The task is
	// already parked in error status and must not be touched again.
	failed bool
}

// Tick runs one pass of the queue. It returns without error when the
// lock is held elsewhere or when there is nothing to do.
func (t *Ticker) Tick(ctx context.Context) error {
	held, err := t.lock.WithLock(ctx, WorkerLockName, t.tickBudget+lockMargin, t.tick)
	if err != nil {
		return err
	}
	if !held {
		t.logger.Debug("tick skipped, lock held elsewhere")
	}
	return nil
}

func (t *Ticker) tick(ctx context.Context) error {
	log := logger.FromContextOrDefault(ctx, t.logger)
	deadline := t.now().Add(t.tickBudget)

	quota, err := t.limiter.GetQuota(ctx)
	if err != nil {
		return fmt.Errorf("failed to read rate quota: %w", err)
	}
	if !quota.OK {
		// Budget exhausted for this minute bucket. Try again shortly
		// after the bucket rolls over.
		log.Info("rate budget exhausted, deferring tick")
		t.wake(2 * time.Second)
		return nil
	}

	batch := quota.MaxRequests
	if batch > t.maxConcurrent {
		batch = t.maxConcurrent
	}
	if batch < 1 {
		batch = 1
	}

	selected, err := t.tasks.SelectQueued(ctx, batch)
	if err != nil {
		return fmt.Errorf("failed to select queued tasks: %w", err)
	}

	selected, err = t.dropCanceled(ctx, selected)
	if err != nil {
		return err
	}

	if len(selected) == 0 {
		return t.rescue(ctx)
	}

	touched := make(map[uuid.UUID]struct{})
	for start := 0; start < len(selected); start += t.maxConcurrent {
		if t.now().After(deadline) {
			log.Info("tick budget spent, deferring remainder",
				slog.Int("remaining", len(selected)-start))
			t.wake(500 * time.Millisecond)
			break
		}

		end := start + t.maxConcurrent
		if end > len(selected) {
			end = len(selected)
		}
		chunk := selected[start:end]

		quota, err := t.limiter.GetQuota(ctx)
		if err != nil {
			return fmt.Errorf("failed to read rate quota: %w", err)
		}
		if !quota.OK || quota.MaxRequests < len(chunk) {
			log.Info("rate budget spent mid-tick, deferring remainder",
				slog.Int("remaining", len(selected)-start))
			t.wake(2 * time.Second)
			break
		}

		if err := t.runChunk(ctx, chunk, touched); err != nil {
			return err
		}
	}

	for reportID := range touched {
		if err := t.reconcile(ctx, reportID); err != nil {
			log.Error("failed to reconcile report after batch",
				slog.String("report_id", reportID.String()),
				slog.String("error", err.Error()))
		}
	}

	t.wake(time.Second)
	return nil
}

// dropCanceled strips tasks whose report has been canceled or deleted,
// sweeping their siblings out of the queue as it goes.
func (t *Ticker) dropCanceled(ctx context.Context, selected []*domain.AnalysisTask) ([]*domain.AnalysisTask, error) {
	log := logger.FromContextOrDefault(ctx, t.logger)

	live := make(map[uuid.UUID]bool)
	kept := selected[:0]
	var dropped []uuid.UUID
	for _, task := range selected {
		ok, seen := live[task.ReportID]
		if !seen {
			report, err := t.reports.GetByID(ctx, task.ReportID)
			switch {
			case errors.Is(err, store.ErrReportNotFound):
				ok = false
			case err != nil:
				return nil, fmt.Errorf("failed to load report %s: %w", task.ReportID, err)
			default:
				ok = !report.IsCanceled
			}
			live[task.ReportID] = ok
			if !ok {
				if _, err := t.tasks.CancelQueuedForReport(ctx, task.ReportID); err != nil {
					return nil, err
				}
			}
		}
		if ok {
			kept = append(kept, task)
		} else {
			dropped = append(dropped, task.ID)
		}
	}
	if len(dropped) > 0 {
		if err := t.tasks.MarkCanceled(ctx, dropped); err != nil {
			return nil, err
		}
		log.Info("dropped tasks for canceled reports", slog.Int("count", len(dropped)))
	}
	return kept, nil
}

// runChunk marks a chunk running, books its rate cost, dispatches the
// LLM calls concurrently, and commits the surviving scores per report.
func (t *Ticker) runChunk(ctx context.Context, chunk []*domain.AnalysisTask, touched map[uuid.UUID]struct{}) error {
	log := logger.FromContextOrDefault(ctx, t.logger)

	ids := make([]uuid.UUID, len(chunk))
	for i, task := range chunk {
		ids[i] = task.ID
	}
	if err := t.tasks.MarkRunning(ctx, ids); err != nil {
		return fmt.Errorf("failed to mark tasks running: %w", err)
	}
	if err := t.limiter.Consume(ctx, len(chunk), len(chunk)*t.estTokens); err != nil {
		return fmt.Errorf("failed to record rate usage: %w", err)
	}

	var (
		mu      sync.Mutex
		results = make(map[uuid.UUID][]taskResult)
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, task := range chunk {
		task := task
		g.Go(func() error {
			res, err := t.analyzeTask(gctx, task)
			if err != nil {
				// Analysis failures requeue or park the task; they never
				// abort the chunk.
				if markErr := t.tasks.MarkRequeueOrError(gctx, task.ID, task.Attempts+1, err.Error()); markErr != nil {
					return markErr
				}
				log.Warn("analysis attempt failed",
					slog.String("task_id", task.ID.String()),
					slog.String("issue_id", task.Issue.ID),
					slog.Int("attempts", task.Attempts+1),
					slog.String("error", err.Error()))
				if task.Attempts+1 >= t.maxAttempts {
					// Retries exhausted. Record the failure marker on the
					// issue itself so it shows up in the report; the marker
					// still counts as pending, leaving recovery to an
					// explicit requeue or finalize.
					mu.Lock()
					results[task.ReportID] = append(results[task.ReportID], taskResult{
						task:   task,
						result: &analysis.Result{Explanation: analysis.FailedExplanation},
						failed: true,
					})
					mu.Unlock()
				}
				return nil
			}
			if res == nil {
				// Report was canceled mid-flight; task already swept.
				return nil
			}
			mu.Lock()
			results[task.ReportID] = append(results[task.ReportID], taskResult{task: task, result: res})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for reportID, scored := range results {
		touched[reportID] = struct{}{}
		if err := t.commitReport(ctx, reportID, scored); err != nil {
			return err
		}
	}
	return nil
}

// analyzeTask runs one LLM call with a fast cancellation check first.
// A nil, nil return means the report was canceled and the task swept.
func (t *Ticker) analyzeTask(ctx context.Context, task *domain.AnalysisTask) (*analysis.Result, error) {
	report, err := t.reports.GetByID(ctx, task.ReportID)
	if err != nil && !errors.Is(err, store.ErrReportNotFound) {
		return nil, err
	}
	if err != nil || report.IsCanceled {
		if markErr := t.tasks.MarkCanceled(ctx, []uuid.UUID{task.ID}); markErr != nil {
			return nil, markErr
		}
		return nil, nil
	}

	callCtx := ctx
	if t.llmTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, t.llmTimeout)
		defer cancel()
	}
	return t.analyzer.AnalyzeIssue(callCtx, task.Keyword, task.Issue)
}

// commitReport merges scored issues back onto the report and marks the
// tasks done. The reload-merge-write sequence retries a bounded number
// of times when a concurrent writer wins the race.
func (t *Ticker) commitReport(ctx context.Context, reportID uuid.UUID, scored []taskResult) error {
	log := logger.FromContextOrDefault(ctx, t.logger)

	var lastErr error
	for attempt := 0; attempt < commitRetries; attempt++ {
		report, err := t.reports.GetByID(ctx, reportID)
		if err != nil {
			if errors.Is(err, store.ErrReportNotFound) {
				return t.sweepTasks(ctx, scored)
			}
			return err
		}
		if report.IsCanceled {
			return t.sweepTasks(ctx, scored)
		}

		byID := make(map[string]*analysis.Result, len(scored))
		for _, s := range scored {
			byID[s.task.Issue.ID] = s.result
		}
		issues := make([]domain.Issue, len(report.Issues))
		copy(issues, report.Issues)
		for i := range issues {
			res, ok := byID[issues[i].ID]
			if !ok {
				continue
			}
			issues[i].RelevanceScore = res.RelevanceScore
			issues[i].Explanation = res.Explanation
			issues[i].MatchedTerms = res.MatchedTerms
			issues[i].Evidence = res.Evidence
		}

		if err := t.reports.UpdateIssues(ctx, reportID, issues, report.Version); err != nil {
			if errors.Is(err, store.ErrConflict) {
				lastErr = err
				continue
			}
			return err
		}

		for _, s := range scored {
			if s.failed {
				continue
			}
			if err := t.tasks.MarkDone(ctx, s.task.ID); err != nil && !errors.Is(err, store.ErrTaskNotFound) {
				return err
			}
		}
		if err := t.reports.IncrementRequestCounter(ctx, reportID); err != nil {
			log.Warn("failed to bump report request counter",
				slog.String("report_id", reportID.String()),
				slog.String("error", err.Error()))
		}
		return nil
	}
	return fmt.Errorf("failed to commit scores for report %s after %d attempts: %w",
		reportID, commitRetries, lastErr)
}

func (t *Ticker) sweepTasks(ctx context.Context, scored []taskResult) error {
	ids := make([]uuid.UUID, 0, len(scored))
	for _, s := range scored {
		if s.failed {
			continue
		}
		ids = append(ids, s.task.ID)
	}
	return t.tasks.MarkCanceled(ctx, ids)
}

// reconcile decides what a report needs after its batch drained: clear
// the cursor and finalize when everything is scored and there are no
// more pages, or hand off to the notifier, which sends the partial
// email and chains the next page fetch.
func (t *Ticker) reconcile(ctx context.Context, reportID uuid.UUID) error {
	report, err := t.reports.GetByID(ctx, reportID)
	if err != nil {
		if errors.Is(err, store.ErrReportNotFound) {
			return nil
		}
		return err
	}
	if report.IsCanceled || report.IsComplete {
		return nil
	}

	if report.PendingCount() > 0 {
		return nil
	}
	queued, running, err := t.tasks.CountActiveForReport(ctx, reportID)
	if err != nil {
		return err
	}
	if queued+running > 0 {
		return nil
	}

	if report.BatchCursor == "" {
		if err := t.reports.AdvanceCursor(ctx, reportID, report.Issues, "", true); err != nil {
			return err
		}
	}
	return t.notifier.SendReportEmail(ctx, reportID)
}

// rescue revives stalled reports when the queue is empty: complete
// reports still owed their final email, and incomplete reports whose
// cursor points at an unfetched page with nothing left in the queue.
func (t *Ticker) rescue(ctx context.Context) error {
	log := logger.FromContextOrDefault(ctx, t.logger)
	revived := 0

	awaiting, err := t.reports.ListCompleteAwaitingFinalEmail(ctx, rescueLimit)
	if err != nil {
		return err
	}
	for _, report := range awaiting {
		if revived >= rescueLimit {
			break
		}
		if err := t.notifier.SendReportEmail(ctx, report.ID); err != nil {
			log.Error("failed to rescue final email",
				slog.String("report_id", report.ID.String()),
				slog.String("error", err.Error()))
			continue
		}
		revived++
	}

	if revived < rescueLimit {
		incomplete, err := t.reports.ListIncomplete(ctx, 50)
		if err != nil {
			return err
		}
		for _, report := range incomplete {
			if revived >= rescueLimit {
				break
			}
			if report.PendingCount() > 0 {
				continue
			}
			queued, running, err := t.tasks.CountActiveForReport(ctx, report.ID)
			if err != nil {
				return err
			}
			if queued+running > 0 {
				continue
			}
			if report.BatchCursor == "" {
				// Fully analyzed with no page left, but never finalized.
				// Happens after an explicit finalize or a crash between
				// commit and reconcile.
				if err := t.reconcile(ctx, report.ID); err != nil {
					log.Error("failed to finalize drained report",
						slog.String("report_id", report.ID.String()),
						slog.String("error", err.Error()))
					continue
				}
				revived++
				continue
			}
			log.Info("rescuing stalled report",
				slog.String("report_id", report.ID.String()),
				slog.String("cursor", report.BatchCursor))
			if err := t.pager.FetchAndEnqueueNextPage(ctx, report.ID); err != nil {
				log.Error("failed to rescue stalled report",
					slog.String("report_id", report.ID.String()),
					slog.String("error", err.Error()))
				continue
			}
			revived++
		}
	}

	if revived > 0 {
		t.wake(0)
	}
	return nil
}
