package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sendloop/automation-engine/pkg/executor"
)

// EmailClient implements the executor's EmailTransport and TemplateStore
// against the email service's REST API. The idempotency key travels in an
// Idempotency-Key header so the provider can dedupe crash-recovery
// re-sends.
type EmailClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewEmailClient creates an HTTP client for the email transport.
func NewEmailClient(baseURL string) *EmailClient {
	return &EmailClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Send submits one message. A 4xx response (other than 408/429) is a
// permanent transport error: the address or message is unsendable and
// retrying cannot help. Everything else that fails is transient.
func (c *EmailClient) Send(ctx context.Context, in executor.SendEmailInput) (executor.SendEmailResult, error) {
	payload, err := json.Marshal(map[string]any{
		"to":      in.To,
		"from":    in.From,
		"subject": in.Subject,
		"html":    in.HTML,
		"text":    in.Text,
		"headers": in.Headers,
	})
	if err != nil {
		return executor.SendEmailResult{}, &executor.TransportError{
			Class: executor.TransportPermanent,
			Err:   fmt.Errorf("marshal send request: %w", err),
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return executor.SendEmailResult{}, &executor.TransportError{
			Class: executor.TransportPermanent,
			Err:   fmt.Errorf("create send request: %w", err),
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", in.IdempotencyKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return executor.SendEmailResult{}, &executor.TransportError{
			Class: executor.TransportTransient,
			Err:   fmt.Errorf("send request: %w", err),
		}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var result struct {
			MessageID string `json:"message_id"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return executor.SendEmailResult{}, &executor.TransportError{
				Class: executor.TransportTransient,
				Err:   fmt.Errorf("decode send response: %w", err),
			}
		}
		return executor.SendEmailResult{MessageID: result.MessageID}, nil
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return executor.SendEmailResult{}, &executor.TransportError{
			Class: executor.TransportTransient,
			Err:   fmt.Errorf("email transport returned HTTP %d", resp.StatusCode),
		}
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return executor.SendEmailResult{}, &executor.TransportError{
			Class: executor.TransportPermanent,
			Err:   fmt.Errorf("email transport rejected message: HTTP %d: %s", resp.StatusCode, body),
		}
	}
}

// Resolve fetches a template's subject/html/text by id.
func (c *EmailClient) Resolve(ctx context.Context, templateID string) (subject, html, text string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/templates/"+url.PathEscape(templateID), nil)
	if err != nil {
		return "", "", "", fmt.Errorf("create template request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", "", "", fmt.Errorf("fetch template %s: %w", templateID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", "", fmt.Errorf("template service returned HTTP %d for %s", resp.StatusCode, templateID)
	}

	var result struct {
		Subject string `json:"subject"`
		HTML    string `json:"html"`
		Text    string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", "", "", fmt.Errorf("decode template %s: %w", templateID, err)
	}
	return result.Subject, result.HTML, result.Text, nil
}
