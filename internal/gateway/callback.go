package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

type callbackPayload struct {
	UserID string `json:"user_id"`
	Text   string `json:"text"`
}

// CallbackSender posts replies for the HTTP channel to a webhook as {"user_id", "text"} JSON.
type CallbackSender struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

var _ Sender = (*CallbackSender)(nil)

func NewCallbackSender(url string, timeout time.Duration, logger *zap.Logger) *CallbackSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CallbackSender{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func (c *CallbackSender) Send(ctx context.Context, userID, text string) error {
	body, err := json.Marshal(callbackPayload{UserID: userID, Text: text})
	if err != nil {
		return fmt.Errorf("failed to encode callback payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("callback request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("callback returned status %d", resp.StatusCode)
	}
	c.logger.Debug("callback delivered", zap.String("user_id", userID))
	return nil
}
