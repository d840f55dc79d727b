package broadcast

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

const (
	webhookTimeout  = 5 * time.Second
	webhookAttempts = 3
	webhookBackoff  = 500 * time.Millisecond
)

// WebhookNotifier forwards kill notices to external enforcement points over
// HTTP. Each configured URL receives every notice; failed posts are retried
// with backoff so propagation stays within the thirty second budget without
// a delivery being silently dropped.
type WebhookNotifier struct {
	urls    []string
	client  *http.Client
	deduper *Deduper
}

func NewWebhookNotifier(urls []string) *WebhookNotifier {
	return &WebhookNotifier{
		urls:    urls,
		client:  &http.Client{Timeout: webhookTimeout},
		deduper: NewDeduper(),
	}
}

// Run consumes the subscription until it closes or ctx is cancelled.
func (w *WebhookNotifier) Run(ctx context.Context, sub *Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case notice, ok := <-sub.C:
			if !ok {
				return
			}
			if !w.deduper.FirstSeen(notice) {
				slog.Debug("Duplicate kill notice skipped", "identity_id", notice.IdentityID)
				continue
			}
			for _, url := range w.urls {
				if err := w.post(ctx, url, notice); err != nil {
					slog.Error("Kill webhook delivery failed",
						"url", url,
						"identity_id", notice.IdentityID,
						"error", err)
				}
			}
		}
	}
}

func (w *WebhookNotifier) post(ctx context.Context, url string, notice KillNotice) error {
	body, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("marshal kill notice: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= webhookAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := w.client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode < 300 {
				return nil
			}
			lastErr = fmt.Errorf("webhook returned status %d", resp.StatusCode)
		} else {
			lastErr = err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * webhookBackoff):
		}
	}
	return lastErr
}
