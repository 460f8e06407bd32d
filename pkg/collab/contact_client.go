// Package collab provides the HTTP clients the engine uses to reach its
// external collaborators: the contact/list/segment store and the
// transactional email transport. Both are narrow JSON-over-HTTP surfaces;
// the services behind them live outside this module's boundary.
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

// ContactClient implements the executor's ContactStore and the trigger
// router's ContactLookup against the contact service's REST API.
type ContactClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewContactClient creates an HTTP client for contact store operations.
func NewContactClient(baseURL string) *ContactClient {
	return &ContactClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// GetContact loads one contact by tenant and email.
func (c *ContactClient) GetContact(ctx context.Context, tenantID, email string) (executor.Contact, error) {
	var contact executor.Contact
	path := fmt.Sprintf("/tenants/%s/contacts/%s", url.PathEscape(tenantID), url.PathEscape(email))
	if err := c.do(ctx, http.MethodGet, path, nil, &contact); err != nil {
		return executor.Contact{}, fmt.Errorf("get contact %s: %w", email, err)
	}
	return contact, nil
}

// UpdateTags applies a set union / difference to a contact's tags. The
// contact service applies the mutation set-wise, so repeated calls with the
// same arguments are idempotent.
func (c *ContactClient) UpdateTags(ctx context.Context, contactID string, add, remove []string) error {
	body := map[string]any{"add": add, "remove": remove}
	path := fmt.Sprintf("/contacts/%s/tags", url.PathEscape(contactID))
	if err := c.do(ctx, http.MethodPatch, path, body, nil); err != nil {
		return fmt.Errorf("update tags for contact %s: %w", contactID, err)
	}
	return nil
}

// UpdateFields merges a field patch into the contact record.
func (c *ContactClient) UpdateFields(ctx context.Context, contactID string, patch map[string]any) error {
	path := fmt.Sprintf("/contacts/%s/fields", url.PathEscape(contactID))
	if err := c.do(ctx, http.MethodPatch, path, patch, nil); err != nil {
		return fmt.Errorf("update fields for contact %s: %w", contactID, err)
	}
	return nil
}

// InSegment reports whether the contact is a member of segmentID.
func (c *ContactClient) InSegment(ctx context.Context, contactID, segmentID string) (bool, error) {
	var result struct {
		Member bool `json:"member"`
	}
	path := fmt.Sprintf("/contacts/%s/segments/%s", url.PathEscape(contactID), url.PathEscape(segmentID))
	if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return false, fmt.Errorf("check segment %s for contact %s: %w", segmentID, contactID, err)
	}
	return result.Member, nil
}

// IsSuppressed reports whether email is on the tenant's suppression list
// (hard bounces, complaints, global unsubscribes).
func (c *ContactClient) IsSuppressed(ctx context.Context, tenantID, email string) (bool, error) {
	var result struct {
		Suppressed bool `json:"suppressed"`
	}
	path := fmt.Sprintf("/tenants/%s/suppressions/%s", url.PathEscape(tenantID), url.PathEscape(email))
	if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return false, fmt.Errorf("check suppression for %s: %w", email, err)
	}
	return result.Suppressed, nil
}

// UpdateListMembership adds or removes the contact from a list.
func (c *ContactClient) UpdateListMembership(ctx context.Context, contactID, listID string, add bool) error {
	method := http.MethodPut
	if !add {
		method = http.MethodDelete
	}
	path := fmt.Sprintf("/contacts/%s/lists/%s", url.PathEscape(contactID), url.PathEscape(listID))
	if err := c.do(ctx, method, path, nil, nil); err != nil {
		return fmt.Errorf("update list %s membership for contact %s: %w", listID, contactID, err)
	}
	return nil
}

// RouterLookup adapts a ContactClient to the trigger router's read-only
// entry-gate surface, which addresses contacts by (tenant, email) rather
// than contact id.
type RouterLookup struct {
	c *ContactClient
}

// NewRouterLookup constructs a RouterLookup over c.
func NewRouterLookup(c *ContactClient) RouterLookup { return RouterLookup{c: c} }

// Tags returns a contact's current tags.
func (l RouterLookup) Tags(ctx context.Context, tenantID, email string) ([]string, error) {
	contact, err := l.c.GetContact(ctx, tenantID, email)
	if err != nil {
		return nil, err
	}
	return contact.Tags, nil
}

// InSegment reports whether the contact identified by email is a member of
// segmentID.
func (l RouterLookup) InSegment(ctx context.Context, tenantID, email, segmentID string) (bool, error) {
	contact, err := l.c.GetContact(ctx, tenantID, email)
	if err != nil {
		return false, err
	}
	return l.c.InSegment(ctx, contact.ID, segmentID)
}

func (c *ContactClient) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("contact service request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("contact service returned HTTP %d for %s %s", resp.StatusCode, method, path)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
