package events

import (
	"context"
	"fmt"

	"github.com/sendloop/automation-engine/pkg/db"
)

// HistoryQuerier answers opened/clicked questions from the persisted event
// log, where the delivery webhook bus lands email_opened / email_clicked
// records. Satisfies the step executor's history seam.
type HistoryQuerier struct {
	pool *db.Pool
}

// NewHistoryQuerier constructs a HistoryQuerier.
func NewHistoryQuerier(pool *db.Pool) *HistoryQuerier {
	return &HistoryQuerier{pool: pool}
}

// WasEmailOpened reports whether an email_opened event exists for the given
// subscriber and step.
func (h *HistoryQuerier) WasEmailOpened(ctx context.Context, subscriberID, stepID string) (bool, error) {
	var exists bool
	err := h.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM events
			WHERE subscriber_id = $1 AND step_id = $2 AND kind = 'email_opened'
		)
	`, subscriberID, stepID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query email_opened for subscriber %s step %s: %w", subscriberID, stepID, err)
	}
	return exists, nil
}

// WasLinkClicked reports whether an email_clicked event exists for the
// subscriber, matching either the originating step id or the clicked URL.
func (h *HistoryQuerier) WasLinkClicked(ctx context.Context, subscriberID, stepOrURL string) (bool, error) {
	var exists bool
	err := h.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM events
			WHERE subscriber_id = $1 AND kind = 'email_clicked'
			  AND (step_id = $2 OR data->>'url' = $2)
		)
	`, subscriberID, stepOrURL).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query email_clicked for subscriber %s: %w", subscriberID, err)
	}
	return exists, nil
}
