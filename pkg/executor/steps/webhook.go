package steps

import (
	"context"
	"fmt"
	"strings"

	"github.com/itchyny/gojq"
)

// BuildPayload merges a webhook step's configured payload with the
// standard envelope fields (email, name, subscriber_id, workflow_id,
// timestamp), then resolves any string value beginning with "jq:" as a
// gojq expression evaluated against
// envelope (letting a workflow author pull, say, ".email"
// into the outbound body without a dedicated template language).
func BuildPayload(configured map[string]any, envelope map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(configured)+len(envelope))
	for k, v := range envelope {
		out[k] = v
	}
	for k, v := range configured {
		resolved, err := resolveValue(v, envelope)
		if err != nil {
			return nil, fmt.Errorf("resolve payload field %q: %w", k, err)
		}
		out[k] = resolved
	}
	return out, nil
}

func resolveValue(v any, envelope map[string]any) (any, error) {
	s, ok := v.(string)
	if !ok || !strings.HasPrefix(s, "jq:") {
		return v, nil
	}
	query := strings.TrimSpace(strings.TrimPrefix(s, "jq:"))
	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, fmt.Errorf("parse jq expression %q: %w", query, err)
	}
	iter := parsed.RunWithContext(context.Background(), envelope)
	out, ok := iter.Next()
	if !ok {
		return nil, nil
	}
	if err, ok := out.(error); ok {
		return nil, fmt.Errorf("evaluate jq expression %q: %w", query, err)
	}
	return out, nil
}
