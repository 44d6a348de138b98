// Package webhook delivers inbound-message payloads to registered subscribers.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/nmoreno/instagateway/pkg/models"
)

// Dispatcher posts payloads to webhook subscribers. Delivery is best-effort:
// failures are logged and discarded, never retried or surfaced.
type Dispatcher struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewDispatcher creates a dispatcher with the given per-delivery timeout.
func NewDispatcher(timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger.With("component", "webhook_dispatcher"),
	}
}

// Forward delivers the payload to every subscription. Each subscriber gets its
// own filtered copy and its own goroutine, so one slow or failing target never
// blocks or cancels another.
func (d *Dispatcher) Forward(ctx context.Context, payload models.Payload, subs []models.Subscription) {
	if len(subs) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(sub models.Subscription) {
			defer wg.Done()
			d.deliver(ctx, payload, sub)
		}(sub)
	}
	wg.Wait()
}

// deliver posts one filtered payload copy to one subscriber.
func (d *Dispatcher) deliver(ctx context.Context, payload models.Payload, sub models.Subscription) {
	if !sub.Permissions.Text {
		payload.Text = nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		d.logger.Warn("failed to encode payload", "username", payload.Username, "webhook_id", sub.ID, "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		d.logger.Warn("failed to build webhook request", "username", payload.Username, "webhook_id", sub.ID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.logger.Warn("webhook post failed", "username", payload.Username, "webhook_id", sub.ID, "error", err)
		return
	}
	defer resp.Body.Close()

	d.logger.Info("webhook delivered", "username", payload.Username, "webhook_id", sub.ID, "status", resp.StatusCode)
}
