package steps

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergeTags(t *testing.T) {
	vars := map[string]string{
		"name":       "Alice",
		"first_name": "Alice",
		"email":      "alice@example.com",
		"plan":       "pro",
	}

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"simple", "Hi {{name}}!", "Hi Alice!"},
		{"multiple", "{{first_name}} <{{email}}>", "Alice <alice@example.com>"},
		{"whitespace tolerated", "Hi {{ name }}!", "Hi Alice!"},
		{"unresolved becomes empty", "Hi {{nickname}}!", "Hi !"},
		{"default applies when missing", "Hi {{nickname | friend}}!", "Hi friend!"},
		{"default ignored when present", "Hi {{name | friend}}!", "Hi Alice!"},
		{"custom field", "Your plan: {{plan}}", "Your plan: pro"},
		{"no tags", "plain text", "plain text"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MergeTags(tt.in, vars))
		})
	}
}

func TestResolveSubject(t *testing.T) {
	assert.Equal(t, "step wins", ResolveSubject("step wins", "template subject"))
	assert.Equal(t, "template subject", ResolveSubject("", "template subject"))
	assert.Equal(t, "template subject", ResolveSubject("   ", "template subject"))
}
