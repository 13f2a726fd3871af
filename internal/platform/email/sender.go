// Package email delivers report notifications through an HTTP mail API
// and renders the report HTML bodies.
package email

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/issuewatch/issuewatch-api/internal/platform/logger"
)

// ErrSendFailed wraps any delivery failure reported by the mail API.
var ErrSendFailed = errors.New("email send failed")

// Sender defines the capability to deliver one HTML email.
type Sender interface {
	Send(ctx context.Context, to, subject, html string) error
}

// HTTPSender implements Sender against a Sendamatic-compatible JSON API:
// POST to the send endpoint with an x-api-key header.
type HTTPSender struct {
	apiURL string
	apiKey string
	from   string
	client *http.Client
	logger *slog.Logger
}

// NewHTTPSender creates a sender posting to apiURL with the given key.
// The from address is applied to every message.
func NewHTTPSender(apiURL, apiKey, from string, logger *slog.Logger) *HTTPSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPSender{
		apiURL: apiURL,
		apiKey: apiKey,
		from:   from,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger.With(slog.String("component", "email_sender")),
	}
}

// Ensure HTTPSender implements Sender
var _ Sender = (*HTTPSender)(nil)

type sendRequest struct {
	To       []string `json:"to"`
	Sender   string   `json:"sender"`
	Subject  string   `json:"subject"`
	HTMLBody string   `json:"html_body"`
}

// Send implements Sender.Send
func (s *HTTPSender) Send(ctx context.Context, to, subject, html string) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	payload, err := json.Marshal(sendRequest{
		To:       []string{to},
		Sender:   s.from,
		Subject:  subject,
		HTMLBody: html,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal email payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build email request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		log.Error("email request failed",
			slog.String("error", err.Error()),
			slog.String("subject", subject))
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		log.Error("email API rejected send",
			slog.Int("status", resp.StatusCode),
			slog.String("subject", subject),
			slog.String("body", string(body)))
		return fmt.Errorf("%w: status %d: %s", ErrSendFailed, resp.StatusCode, string(body))
	}

	log.Info("email sent", slog.String("subject", subject))
	return nil
}

// NoopSender discards every message. Used when email delivery is
// disabled in configuration; sends are logged so the flow stays visible
// in development.
type NoopSender struct {
	logger *slog.Logger
}

// NewNoopSender creates a sender that logs instead of delivering.
func NewNoopSender(logger *slog.Logger) *NoopSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &NoopSender{logger: logger.With(slog.String("component", "email_sender"))}
}

// Ensure NoopSender implements Sender
var _ Sender = (*NoopSender)(nil)

// Send implements Sender.Send
func (s *NoopSender) Send(ctx context.Context, to, subject, html string) error {
	logger.FromContextOrDefault(ctx, s.logger).Info("email delivery disabled, skipping send",
		slog.String("to", to),
		slog.String("subject", subject))
	return nil
}
