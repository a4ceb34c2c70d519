// Package dispatch forwards completed reports to the downstream compiler
// webhook.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/FloorPipe/internal/models"
)

// DefaultTimeout bounds one webhook delivery attempt.
const DefaultTimeout = 30 * time.Second

// WebhookDispatcher posts the {process, answers} payload of a completed
// session to a webhook URL. Delivery is best-effort: the caller logs failures
// and continues, any redelivery is an operational concern.
type WebhookDispatcher struct {
	url    string
	client *http.Client
}

// NewWebhookDispatcher creates a dispatcher for the given webhook URL.
func NewWebhookDispatcher(url string) *WebhookDispatcher {
	return &WebhookDispatcher{
		url:    url,
		client: &http.Client{Timeout: DefaultTimeout},
	}
}

// Dispatch posts the report as JSON. Any non-2xx response is an error.
func (d *WebhookDispatcher) Dispatch(ctx context.Context, report models.Report) error {
	if d.url == "" {
		return fmt.Errorf("webhook URL not configured")
	}

	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	slog.Info("WebhookDispatcher report delivered", "process", report.Process, "answers", len(report.Answers), "status", resp.StatusCode)
	return nil
}
