// Package sender provides send delegate implementations for the
// scheduler. The webhook sender is what the shipped binaries wire in;
// hosts embedding the engine usually bring their own delegate.
package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/soshogle/drip/pkg/scheduler"
)

// webhookRequest is the payload posted to the delivery endpoint.
type webhookRequest struct {
	EntityID string         `json:"entity_id"`
	Content  map[string]any `json:"content"`
}

// webhookResponse is the expected answer from the delivery endpoint.
type webhookResponse struct {
	MessageID string `json:"message_id"`
}

// NewWebhookDelegate returns a delegate that POSTs each send to the
// given endpoint. Any non-2xx answer is a failed send; the scheduler's
// failure policy decides what happens next.
func NewWebhookDelegate(endpoint string, client *http.Client, logger *slog.Logger) scheduler.SendDelegate {
	if client == nil {
		client = http.DefaultClient
	}

	log := logger.With("module", "webhook_sender")

	return func(ctx context.Context, entityID string, content map[string]any) (*scheduler.SendResult, error) {
		payload, err := json.Marshal(webhookRequest{EntityID: entityID, Content: content})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal send payload: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("failed to build send request: %w", err)
		}

		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to deliver send: %w", err)
		}
		defer func() {
			_ = resp.Body.Close()
		}()

		if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
			log.WarnContext(ctx, "Delivery endpoint rejected send",
				"entity_id", entityID, "status", resp.StatusCode)

			return &scheduler.SendResult{Success: false}, nil
		}

		var body webhookResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			// A 2xx with an unreadable body still counts as delivered.
			return &scheduler.SendResult{Success: true}, nil
		}

		return &scheduler.SendResult{Success: true, ExternalMessageID: body.MessageID}, nil
	}
}
