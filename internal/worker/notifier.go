package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/issuewatch/issuewatch-api/internal/platform/email"
	"github.com/issuewatch/issuewatch-api/internal/platform/logger"
	"github.com/issuewatch/issuewatch-api/internal/store"
)

// PageFetcher pulls the next issue page for a report and enqueues its
// analysis tasks.
type PageFetcher interface {
	FetchAndEnqueueNextPage(ctx context.Context, reportID uuid.UUID) error
}

// Notifier sends partial and final report emails and chains the next
// page fetch for incomplete reports. It is the single place pagination
// is continued from after a batch drains, so a report never has two
// concurrent page fetches in flight.
type Notifier struct {
	reports store.ReportStore
	sender  email.Sender
	pager   PageFetcher
	logger  *slog.Logger
}

// NewNotifier creates a notifier. The page fetcher is attached
// afterwards with SetPager since the two reference each other.
func NewNotifier(reports store.ReportStore, sender email.Sender, logger *slog.Logger) *Notifier {
	if reports == nil || sender == nil {
		panic("notifier dependencies cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		reports: reports,
		sender:  sender,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// SetPager attaches the paginator used to continue an incomplete report
// after its email is handled.
func (n *Notifier) SetPager(p PageFetcher) {
	n.pager = p
}

// SendReportEmail emails the report's relevant issues to its owner.
//
// For a complete report the send is guarded by a conditional claim on
// the final-email timestamp, so concurrent callers produce exactly one
// final email. For an incomplete report a partial email is sent at most
// once per cursor position, and the next page fetch is chained
// afterwards regardless of whether this particular send was a
// duplicate, so a crash between email and fetch cannot stall the
// report.
func (n *Notifier) SendReportEmail(ctx context.Context, reportID uuid.UUID) error {
	log := logger.FromContextOrDefault(ctx, n.logger)

	report, err := n.reports.GetByID(ctx, reportID)
	if err != nil {
		if errors.Is(err, store.ErrReportNotFound) {
			return nil
		}
		return err
	}
	if report.IsCanceled {
		return nil
	}

	if report.IsComplete {
		claimed, err := n.reports.ClaimFinalEmail(ctx, reportID)
		if err != nil {
			return fmt.Errorf("failed to claim final email for report %s: %w", reportID, err)
		}
		if !claimed {
			return nil
		}
	} else if report.BatchCursor != "" && report.LastPartialCursor == report.BatchCursor {
		// Partial already sent at this cursor. Keep pagination moving.
		log.Debug("partial email already sent for cursor",
			slog.String("report_id", reportID.String()),
			slog.String("cursor", report.BatchCursor))
		return n.chainNextPage(ctx, reportID)
	}

	relevant := report.RelevantIssues()

	if len(relevant) == 0 {
		if !report.IsComplete {
			if report.BatchCursor != "" {
				return n.chainNextPage(ctx, reportID)
			}
			return nil
		}
		// Complete with nothing relevant: tell the user the scan is
		// done rather than going silent.
		html, err := email.RenderNoRelevantIssues(report)
		if err != nil {
			return fmt.Errorf("failed to render report email: %w", err)
		}
		if err := n.sender.Send(ctx, report.UserEmail, email.Subject(report), html); err != nil {
			return fmt.Errorf("failed to send report email: %w", err)
		}
		log.Info("sent final email with no relevant issues",
			slog.String("report_id", reportID.String()))
		return nil
	}

	html, err := email.RenderReport(report, relevant)
	if err != nil {
		return fmt.Errorf("failed to render report email: %w", err)
	}
	subject := email.Subject(report)
	if err := n.sender.Send(ctx, report.UserEmail, subject, html); err != nil {
		return fmt.Errorf("failed to send report email: %w", err)
	}
	if err := n.reports.IncrementEmailsSent(ctx, reportID); err != nil {
		return err
	}

	log.Info("sent report email",
		slog.String("report_id", reportID.String()),
		slog.Bool("final", report.IsComplete),
		slog.Int("relevant", len(relevant)))

	if !report.IsComplete && report.BatchCursor != "" {
		if err := n.reports.SetLastPartialCursor(ctx, reportID, report.BatchCursor); err != nil {
			return err
		}
		return n.chainNextPage(ctx, reportID)
	}
	return nil
}

func (n *Notifier) chainNextPage(ctx context.Context, reportID uuid.UUID) error {
	if n.pager == nil {
		return nil
	}
	return n.pager.FetchAndEnqueueNextPage(ctx, reportID)
}
