package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

var errRetryable = errors.New("retryable webhook failure")

// WebhookSender POSTs alert payloads as JSON, retrying transport errors,
// 429 and 5xx responses with exponential backoff.
type WebhookSender struct {
	client   *http.Client
	timeout  time.Duration
	attempts int
	backoff  time.Duration
	sleep    func(context.Context, time.Duration) error
	logger   zerolog.Logger
}

func NewWebhookSender(timeout time.Duration, attempts int, backoff time.Duration, logger zerolog.Logger) *WebhookSender {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if attempts <= 0 {
		attempts = 3
	}
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	return &WebhookSender{
		client:   &http.Client{},
		timeout:  timeout,
		attempts: attempts,
		backoff:  backoff,
		sleep:    sleepCtx,
		logger:   logger.With().Str("channel", ChannelWebhook).Logger(),
	}
}

func (w *WebhookSender) Send(ctx context.Context, url string, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < w.attempts; attempt++ {
		if attempt > 0 {
			delay := w.backoff << (attempt - 1)
			if err := w.sleep(ctx, delay); err != nil {
				return err
			}
		}

		lastErr = w.post(ctx, url, body)
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, errRetryable) {
			return lastErr
		}
		w.logger.Debug().Err(lastErr).Int("attempt", attempt+1).Str("url", url).Msg("webhook attempt failed")
	}
	return fmt.Errorf("webhook failed after %d attempts: %w", w.attempts, lastErr)
}

func (w *WebhookSender) post(ctx context.Context, url string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invalid webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "weather-monitor/1.0")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", errRetryable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", errRetryable, resp.StatusCode)
	default:
		return fmt.Errorf("webhook rejected with status %d", resp.StatusCode)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
