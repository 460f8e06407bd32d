package model

import "time"

// InboundEvent is a domain event arriving from the engine's event bus,
// shaped uniformly for every trigger kind. Payload carries kind-specific
// detail: list_id
// for list_subscribe, tag for tag_added, form_id for form_submit, url for
// link_clicked, and so on.
type InboundEvent struct {
	Kind       TriggerKind
	TenantID   string
	Email      string
	Payload    map[string]any
	OccurredAt time.Time
}
