package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	deployerrors "github.com/savaki/lambda-deployer/internal/errors"
)

const (
	MessageDeploySucceeded = "Deployment successful"
	MessageDeployFailed    = "Deployment failed"
)

// Notifier posts status messages to a Slack compatible incoming webhook
type Notifier struct {
	client *http.Client
}

func NewNotifier(client *http.Client) *Notifier {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Notifier{client: client}
}

type webhookPayload struct {
	Text string `json:"text"`
}

// Notify sends message once. Any non-2xx response is an error.
func (n *Notifier) Notify(ctx context.Context, url, message string) error {
	if url == "" {
		return deployerrors.ErrWebhookNotConfigured
	}

	body, err := json.Marshal(webhookPayload{Text: message})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	//goland:noinspection GoUnhandledErrorResult
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
	}

	zerolog.Ctx(ctx).Info().
		Str("message", message).
		Int("status_code", resp.StatusCode).
		Msg("Sent webhook notification")
	return nil
}
