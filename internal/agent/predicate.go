package agent

import "strings"

// ContentPredicate reports whether a normalized chunk content should be
// suppressed instead of shown to the client.
type ContentPredicate func(content string) bool

// HasPrefix suppresses content starting with any of the prefixes
func HasPrefix(prefixes ...string) ContentPredicate {
	return func(content string) bool {
		for _, p := range prefixes {
			if p != "" && strings.HasPrefix(content, p) {
				return true
			}
		}
		return false
	}
}

// Equals suppresses content exactly matching one of values
func Equals(values ...string) ContentPredicate {
	return func(content string) bool {
		for _, v := range values {
			if content == v {
				return true
			}
		}
		return false
	}
}

// OpenInterpreterPlaceholders are the placeholder strings Open Interpreter
// produces for unrenderable objects and null content.
var OpenInterpreterPlaceholders = []string{"[object Object]", "null"}

// Suppressed reports whether any predicate matches content
func Suppressed(preds []ContentPredicate, content string) bool {
	for _, p := range preds {
		if p != nil && p(content) {
			return true
		}
	}
	return false
}
