package executor

import "context"

// Contact is the subset of contact-store data the step executor needs:
// custom fields for merge tags and conditions, current tags, and segment
// membership checks. The real contact store lives outside this module's
// boundary.
type Contact struct {
	ID             string
	Email          string
	Name           string
	FirstName      string
	Tags           []string
	CustomFields   map[string]any
	UnsubscribeURL string
}

// HasTag reports whether the contact carries tag.
func (c Contact) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// ContactStore is the external contact system the executor mutates and
// queries. IsSuppressed consults the tenant's suppression list (hard
// bounces, complaints, global unsubscribes); a suppressed address must
// never be handed to the email transport.
type ContactStore interface {
	GetContact(ctx context.Context, tenantID, email string) (Contact, error)
	UpdateTags(ctx context.Context, contactID string, add, remove []string) error
	UpdateFields(ctx context.Context, contactID string, patch map[string]any) error
	InSegment(ctx context.Context, contactID, segmentID string) (bool, error)
	UpdateListMembership(ctx context.Context, contactID, listID string, add bool) error
	IsSuppressed(ctx context.Context, tenantID, email string) (bool, error)
}

// SendEmailInput is what the executor hands to the email transport.
type SendEmailInput struct {
	To             string
	From           string
	Subject        string
	HTML           string
	Text           string
	Headers        map[string]string
	IdempotencyKey string
}

// SendEmailResult is a successful transport response.
type SendEmailResult struct {
	MessageID string
}

// TransportErrorClass distinguishes retryable from terminal transport
// failures, mirrored onto model.FailureClass by the dispatcher.
type TransportErrorClass int

const (
	TransportTransient TransportErrorClass = iota
	TransportPermanent
)

// TransportError wraps a transport failure with its retry classification.
type TransportError struct {
	Class TransportErrorClass
	Err   error
}

func (e *TransportError) Error() string { return e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// EmailTransport is the outbound ESP collaborator.
type EmailTransport interface {
	Send(ctx context.Context, in SendEmailInput) (SendEmailResult, error)
}

// TemplateStore resolves a send_email step's template_id into subject/html/text.
type TemplateStore interface {
	Resolve(ctx context.Context, templateID string) (subject, html, text string, err error)
}

// HistoryQuerier answers condition predicates that need delivery-webhook
// derived facts not carried on the Subscriber itself (e.g. whether a given
// step's email was opened/clicked).
type HistoryQuerier interface {
	WasEmailOpened(ctx context.Context, subscriberID, stepID string) (bool, error)
	WasLinkClicked(ctx context.Context, subscriberID, stepOrURL string) (bool, error)
}

// WebhookCaller performs the outbound HTTPS call for webhook steps.
type WebhookCaller interface {
	Call(ctx context.Context, method, url string, headers map[string]string, body map[string]any) (status int, respBody []byte, err error)
}

// Notifier delivers an out-of-band alert for notification steps.
type Notifier interface {
	Notify(ctx context.Context, channel, recipient, message string) error
}
