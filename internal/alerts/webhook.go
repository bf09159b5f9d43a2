package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// WebhookOptions configure outbound alert delivery over HTTP.
type WebhookOptions struct {
	Timeout    time.Duration
	MaxRetries int
}

// WebhookSink posts alert payloads to the channels' webhook URLs.
type WebhookSink struct {
	client     *http.Client
	maxRetries int
	logger     *slog.Logger
}

func NewWebhookSink(opts WebhookOptions, logger *slog.Logger) Sink {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 1
	}
	return &WebhookSink{
		client:     &http.Client{Timeout: opts.Timeout},
		maxRetries: opts.MaxRetries,
		logger:     logger,
	}
}

func (s *WebhookSink) Notify(ctx context.Context, payload Payload) error {
	if s == nil {
		return nil
	}
	urls := payload.Channels.Webhooks
	if len(urls) == 0 {
		return nil
	}

	body, err := json.Marshal(webhookBody{
		Agent:           string(payload.Agent),
		Provider:        string(payload.Provider),
		Month:           payload.Month.String(),
		Level:           string(payload.Level),
		UsagePercent:    payload.UsagePercent,
		TotalTokens:     payload.TotalTokens,
		MonthlyLimit:    payload.MonthlyLimit,
		RemainingTokens: payload.RemainingTokens,
		Timestamp:       payload.Timestamp.UTC(),
	})
	if err != nil {
		return err
	}

	var errs []error
	for _, target := range urls {
		if strings.TrimSpace(target) == "" {
			continue
		}
		if err := s.postWithRetries(ctx, target, body); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", target, err))
		}
	}
	return errors.Join(errs...)
}

func (s *WebhookSink) postWithRetries(ctx context.Context, url string, body []byte) error {
	var lastErr error
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		if err := s.post(ctx, url, body); err != nil {
			lastErr = err
			delay := time.Duration(attempt) * 250 * time.Millisecond
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}
		return nil
	}
	return lastErr
}

func (s *WebhookSink) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

type webhookBody struct {
	Agent           string    `json:"agent"`
	Provider        string    `json:"provider"`
	Month           string    `json:"month"`
	Level           string    `json:"level"`
	UsagePercent    float64   `json:"usage_percentage"`
	TotalTokens     int64     `json:"total_tokens"`
	MonthlyLimit    int64     `json:"monthly_limit"`
	RemainingTokens int64     `json:"remaining_tokens"`
	Timestamp       time.Time `json:"timestamp"`
}
