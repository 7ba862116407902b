package alert

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
)

// HeaderDelivery carries a per-delivery id that stays the same across
// retries, so receivers can drop duplicates.
const HeaderDelivery = "X-Guardian-Delivery"

const (
	requestTimeout = 5 * time.Second
	maxAttempts    = 3
)

var httpClient = &http.Client{Timeout: requestTimeout}

// retryDelay is the first backoff interval; later ones grow exponentially.
var retryDelay = time.Second

// Send posts an alert event to a webhook endpoint. 5xx responses and
// transport errors are retried with exponential backoff; 4xx is final.
func Send(ctx context.Context, cfg AlertConfig, event AlertEvent) error {
	body, err := FormatPayload(cfg.Format, event)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}
	delivery := uuid.NewString()

	attempt := func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
		if err != nil {
			return struct{}{}, backoff.Permanent(fmt.Errorf("create request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(HeaderDelivery, delivery)
		for k, v := range cfg.Headers {
			req.Header.Set(k, v)
		}

		resp, err := httpClient.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return struct{}{}, nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return struct{}{}, backoff.Permanent(fmt.Errorf("webhook rejected: HTTP %d", resp.StatusCode))
		}
		return struct{}{}, fmt.Errorf("webhook server error: HTTP %d", resp.StatusCode)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryDelay
	if _, err := backoff.Retry(ctx, attempt, backoff.WithBackOff(b), backoff.WithMaxTries(maxAttempts)); err != nil {
		return fmt.Errorf("webhook delivery %s failed: %w", delivery, err)
	}
	return nil
}
