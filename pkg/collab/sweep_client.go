package collab

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sendloop/automation-engine/pkg/trigger"
)

// SweepSource adapts the contact service's bulk-scan endpoints to the
// trigger sweeper: contacts whose tracked date field lands on an anchor
// day, and contacts with no recorded activity since a cutoff.
type SweepSource struct {
	c *ContactClient
}

// NewSweepSource constructs a SweepSource over c.
func NewSweepSource(c *ContactClient) *SweepSource { return &SweepSource{c: c} }

// ContactsMatchingDate returns contacts whose dateField equals day.
func (s *SweepSource) ContactsMatchingDate(ctx context.Context, tenantID, dateField string, day time.Time) ([]trigger.DateMatch, error) {
	var result []struct {
		Email     string `json:"email"`
		ContactID string `json:"contact_id"`
	}
	path := fmt.Sprintf("/tenants/%s/contacts/by-date?field=%s&date=%s",
		url.PathEscape(tenantID), url.QueryEscape(dateField), day.UTC().Format("2006-01-02"))
	if err := s.c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, fmt.Errorf("scan contacts by date field %s: %w", dateField, err)
	}

	matches := make([]trigger.DateMatch, len(result))
	for i, r := range result {
		matches[i] = trigger.DateMatch{
			TenantID:   tenantID,
			Email:      r.Email,
			ContactID:  r.ContactID,
			AnchorDate: day,
		}
	}
	return matches, nil
}

// ContactsInactiveSince returns contacts with no activity at or after cutoff.
func (s *SweepSource) ContactsInactiveSince(ctx context.Context, tenantID string, cutoff time.Time) ([]trigger.InactiveContact, error) {
	var result []struct {
		Email     string `json:"email"`
		ContactID string `json:"contact_id"`
	}
	path := fmt.Sprintf("/tenants/%s/contacts/inactive?since=%s",
		url.PathEscape(tenantID), url.QueryEscape(cutoff.UTC().Format(time.RFC3339)))
	if err := s.c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, fmt.Errorf("scan inactive contacts: %w", err)
	}

	contacts := make([]trigger.InactiveContact, len(result))
	for i, r := range result {
		contacts[i] = trigger.InactiveContact{TenantID: tenantID, Email: r.Email, ContactID: r.ContactID}
	}
	return contacts, nil
}
