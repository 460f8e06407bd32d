package model

// TransitionOutcome is the result classification of executing one step.
type TransitionOutcome string

const (
	TransitionCompleted TransitionOutcome = "completed"
	TransitionSkipped   TransitionOutcome = "skipped"
	TransitionFailed    TransitionOutcome = "failed"
)

// FailureClass distinguishes retryable from terminal failures.
type FailureClass string

const (
	FailureTransient    FailureClass = "transient"
	FailurePermanent    FailureClass = "permanent"
	FailureLogical      FailureClass = "logical"
	FailureCancellation FailureClass = "cancellation"
)

// NextKind discriminates a Transition's successor.
type NextKind string

const (
	NextLinear    NextKind = "linear"
	NextGoTo      NextKind = "goto"
	NextTerminate NextKind = "terminate"
)

// Next describes the successor step chosen by a Transition.
type Next struct {
	Kind   NextKind
	StepID string           // populated when Kind == NextGoTo
	Reason string           // populated when Kind == NextTerminate; one of completed/exited/failed reason strings
	Status SubscriberStatus // terminal status when Kind == NextTerminate
}

// SideEffect is one fact to append to the event log for a Transition.
type SideEffect struct {
	Kind EventKind
	Data map[string]any
}

// Transition is the result of executing one step. Next is authoritative
// for control flow regardless of Outcome/FailureClass — a webhook step's
// permanent 4xx failure, for instance, sets Outcome=Failed/
// FailureClass=Permanent but Next=Linear, because that case advances the
// subscriber rather than terminating it. Callers always act on Next, using
// Outcome/FailureClass only to decide retry policy and event
// classification.
type Transition struct {
	Outcome        TransitionOutcome
	FailureClass   FailureClass // meaningful when Outcome == TransitionFailed
	Err            error
	Next           Next
	SideEffects    []SideEffect
	IdempotencyKey string
}
