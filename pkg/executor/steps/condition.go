package steps

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/itchyny/gojq"
	"github.com/sendloop/automation-engine/pkg/model"
)

// ExtractField runs the jq-style path expression field (e.g. ".plan" or
// ".address.city") against the contact's custom-field document and returns
// its string representation, or "" if the path does not resolve. Using
// gojq instead of a hand-rolled map walk lets custom_field conditions
// address nested JSON that contact custom fields may carry (e.g. a synced
// CRM blob), not just flat keys.
func ExtractField(field string, customFields map[string]any) (string, error) {
	query := field
	if !strings.HasPrefix(query, ".") {
		query = "." + query
	}
	parsed, err := gojq.Parse(query)
	if err != nil {
		return "", fmt.Errorf("parse custom_field expression %q: %w", field, err)
	}
	iter := parsed.RunWithContext(context.Background(), customFields)
	v, ok := iter.Next()
	if !ok {
		return "", nil
	}
	if err, ok := v.(error); ok {
		return "", fmt.Errorf("evaluate custom_field expression %q: %w", field, err)
	}
	if v == nil {
		return "", nil
	}
	return fmt.Sprintf("%v", v), nil
}

// EvalCustomField evaluates a custom_field condition predicate's comparison
// operator. Values are compared as numbers when both sides parse as
// float64, falling back to string comparison otherwise (only
// equals/not_equals/contains are meaningful on strings).
func EvalCustomField(op model.ConditionOp, fieldValue, compareValue string) bool {
	switch op {
	case model.OpEquals:
		return fieldValue == compareValue
	case model.OpNotEquals:
		return fieldValue != compareValue
	case model.OpContains:
		return strings.Contains(fieldValue, compareValue)
	case model.OpGreaterThan, model.OpLessThan:
		fv, ferr := strconv.ParseFloat(fieldValue, 64)
		cv, cerr := strconv.ParseFloat(compareValue, 64)
		if ferr != nil || cerr != nil {
			if op == model.OpGreaterThan {
				return fieldValue > compareValue
			}
			return fieldValue < compareValue
		}
		if op == model.OpGreaterThan {
			return fv > cv
		}
		return fv < cv
	default:
		return false
	}
}
