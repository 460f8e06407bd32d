package model

// StepKind is the discriminator for a Step's config variant.
type StepKind string

const (
	StepSendEmail     StepKind = "send_email"
	StepWait          StepKind = "wait"
	StepCondition     StepKind = "condition"
	StepTagAdd        StepKind = "tag_add"
	StepTagRemove     StepKind = "tag_remove"
	StepListAdd       StepKind = "list_add"
	StepListRemove    StepKind = "list_remove"
	StepWebhook       StepKind = "webhook"
	StepNotification  StepKind = "notification"
	StepContactUpdate StepKind = "contact_update"
	StepGoalCheck     StepKind = "goal_check"
	StepSplitTest     StepKind = "split_test"
)

// Step is a node in the workflow graph. Exactly one of the Config fields
// is populated, selected by Kind, so an unknown variant is detectable
// instead of silently misread.
type Step struct {
	ID      string `validate:"required"`
	Order   int
	Kind    StepKind `validate:"required,oneof=send_email wait condition tag_add tag_remove list_add list_remove webhook notification contact_update goal_check split_test"`
	IsEntry bool

	SendEmail     *SendEmailConfig     `json:"send_email,omitempty"`
	Wait          *WaitConfig          `json:"wait,omitempty"`
	Condition     *ConditionConfig     `json:"condition,omitempty"`
	TagMutate     *TagMutateConfig     `json:"tag_mutate,omitempty"`
	ListMutate    *ListMutateConfig    `json:"list_mutate,omitempty"`
	Webhook       *WebhookConfig       `json:"webhook,omitempty"`
	Notification  *NotificationConfig  `json:"notification,omitempty"`
	ContactUpdate *ContactUpdateConfig `json:"contact_update,omitempty"`
	GoalCheck     *GoalCheckConfig     `json:"goal_check,omitempty"`
	SplitTest     *SplitTestConfig     `json:"split_test,omitempty"`
}

// SendEmailConfig configures a send_email step.
type SendEmailConfig struct {
	TemplateID  string `json:"template_id,omitempty"`
	Subject     string `json:"subject,omitempty"`
	HTML        string `json:"html,omitempty"`
	Text        string `json:"text,omitempty"`
	PreviewText string `json:"preview_text,omitempty"`
}

// WaitConfig configures a wait step's delay.
type WaitConfig struct {
	Value int    `json:"value" validate:"gte=1"`
	Unit  string `json:"unit" validate:"oneof=minutes hours days weeks"` // minutes|hours|days|weeks
}

// ConditionOp is a comparison operator for custom_field predicates.
type ConditionOp string

const (
	OpEquals      ConditionOp = "equals"
	OpNotEquals   ConditionOp = "not_equals"
	OpContains    ConditionOp = "contains"
	OpGreaterThan ConditionOp = "greater_than"
	OpLessThan    ConditionOp = "less_than"
)

// ConditionPredicateKind enumerates condition step predicate kinds.
type ConditionPredicateKind string

const (
	PredicateOpenedEmail ConditionPredicateKind = "opened_email"
	PredicateClickedLink ConditionPredicateKind = "clicked_link"
	PredicateHasTag      ConditionPredicateKind = "has_tag"
	PredicateInSegment   ConditionPredicateKind = "in_segment"
	PredicateCustomField ConditionPredicateKind = "custom_field"
	PredicateRandom      ConditionPredicateKind = "random"
)

// ConditionConfig configures a condition step.
type ConditionConfig struct {
	Predicate ConditionPredicateKind `json:"predicate"`

	StepID    string      `json:"step_id,omitempty"`    // opened_email / clicked_link
	URL       string      `json:"url,omitempty"`        // clicked_link
	Tag       string      `json:"tag,omitempty"`        // has_tag
	SegmentID string      `json:"segment_id,omitempty"` // in_segment
	Field     string      `json:"field,omitempty"`      // custom_field
	Op        ConditionOp `json:"op,omitempty"`         // custom_field
	Value     string      `json:"value,omitempty"`      // custom_field
	Percent   int         `json:"percent,omitempty"`    // random

	// TrueBranch/FalseBranch are step ids. A nil pointer means the branch is
	// explicitly absent and the journey completes there; a non-nil pointer to
	// a step id not present in the workflow is a dangling branch and exits
	// the subscriber.
	TrueBranch  *string `json:"true_branch,omitempty"`
	FalseBranch *string `json:"false_branch,omitempty"`
}

// TagMutateConfig configures tag_add/tag_remove steps.
type TagMutateConfig struct {
	Tags []string `json:"tags"`
}

// ListMutateConfig configures list_add/list_remove steps.
type ListMutateConfig struct {
	ListID string `json:"list_id"`
}

// WebhookConfig configures a webhook step.
type WebhookConfig struct {
	URL     string            `json:"url" validate:"required,url"`
	Method  string            `json:"method" validate:"omitempty,oneof=GET POST PUT PATCH"`
	Headers map[string]string `json:"headers,omitempty"`
	Payload map[string]any    `json:"payload,omitempty"`
}

// NotificationConfig configures a notification step.
type NotificationConfig struct {
	Channel   string `json:"channel"` // "email" | "slack" | "sms"
	Recipient string `json:"recipient"`
	Message   string `json:"message"`
}

// ContactUpdateConfig configures a contact_update step.
type ContactUpdateConfig struct {
	Fields map[string]any `json:"fields"`
}

// GoalCheckConfig configures a goal_check step.
type GoalCheckConfig struct {
	GoalTag string `json:"goal_tag"`
}

// SplitVariant is one weighted branch of a split_test step.
type SplitVariant struct {
	Name       string `json:"name"`
	Percentage int    `json:"percentage"`
	NextStepID string `json:"next_step_id"`
}

// SplitTestConfig configures a split_test step. Percentage entries must sum
// to 100 (validated at workflow validation time).
type SplitTestConfig struct {
	Variants []SplitVariant `json:"variants"`
}
