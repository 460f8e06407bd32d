// Package steps holds the stateless, collaborator-free pieces of step-kind
// semantics: merge-tag substitution, tracking injection, and weighted
// variant selection. Keeping these free of DB/network calls makes them
// unit-testable without a harness; pkg/executor wires them together with
// the actual collaborators.
package steps

import (
	"regexp"
	"strings"
)

var mergeTagRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*(?:\|\s*([^}]*?)\s*)?\}\}`)

// MergeTags substitutes {{field}} and {{field|default}} occurrences in
// text against vars. An unresolved tag with no default becomes the empty
// string.
func MergeTags(text string, vars map[string]string) string {
	return mergeTagRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := mergeTagRe.FindStringSubmatch(match)
		field, def := parts[1], parts[2]
		if v, ok := vars[field]; ok && v != "" {
			return v
		}
		return def
	})
}

// ResolveSubject applies the rule that a subject set on the step overrides
// the template's subject.
func ResolveSubject(stepSubject, templateSubject string) string {
	if strings.TrimSpace(stepSubject) != "" {
		return stepSubject
	}
	return templateSubject
}
