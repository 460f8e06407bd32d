package steps

import (
	"context"
	"fmt"
	"time"

	goslack "github.com/slack-go/slack"
)

// SlackNotifier delivers notification steps whose channel is "slack" — a
// thin wrapper around the slack-go SDK posting to the step's recipient, or
// to the deployment's default channel when the step names no recipient.
type SlackNotifier struct {
	api     *goslack.Client
	channel string
	timeout time.Duration
}

// NewSlackNotifier constructs a SlackNotifier posting to channel using token.
func NewSlackNotifier(token, channel string) *SlackNotifier {
	return &SlackNotifier{api: goslack.New(token), channel: channel, timeout: 10 * time.Second}
}

// Notify posts message to the Slack channel named by recipient, falling
// back to the configured default channel when recipient is empty. channel
// is accepted for interface symmetry with email/SMS notifiers but unused.
func (s *SlackNotifier) Notify(ctx context.Context, channel, recipient, message string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	target := s.channel
	if recipient != "" {
		target = recipient
	}
	_, _, err := s.api.PostMessageContext(ctx, target, goslack.MsgOptionText(message, false))
	if err != nil {
		return fmt.Errorf("slack postMessage to %s: %w", target, err)
	}
	return nil
}
