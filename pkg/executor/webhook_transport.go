package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPWebhookCaller is the default WebhookCaller, a plain net/http client
// with a per-call timeout.
type HTTPWebhookCaller struct {
	client  *http.Client
	timeout time.Duration
}

// NewHTTPWebhookCaller constructs an HTTPWebhookCaller with the given
// default per-call timeout.
func NewHTTPWebhookCaller(timeout time.Duration) *HTTPWebhookCaller {
	return &HTTPWebhookCaller{client: &http.Client{}, timeout: timeout}
}

// Call issues method to url with headers and a JSON-encoded body.
func (c *HTTPWebhookCaller) Call(ctx context.Context, method, url string, headers map[string]string, body map[string]any) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := json.Marshal(body)
	if err != nil {
		return 0, nil, fmt.Errorf("marshal webhook body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read webhook response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}
