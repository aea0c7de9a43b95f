package event

import "strings"

// MatchPattern reports whether an event type matches a subscription
// pattern. The grammar is:
//
//   - the literal "*" matches every event type
//   - a pattern containing "*" segments matches colon-delimited event
//     types segment-by-segment, where "*" matches exactly one segment
//   - any other pattern must match the event type exactly
//
// "file:*" matches "file:created" but not "file:created:extra" or "file".
func MatchPattern(pattern, eventType string) bool {
	if pattern == "*" {
		return true
	}
	if pattern == eventType {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return false
	}

	patternSegs := strings.Split(pattern, ":")
	typeSegs := strings.Split(eventType, ":")
	if len(patternSegs) != len(typeSegs) {
		return false
	}
	for i, seg := range patternSegs {
		if seg == "*" {
			continue
		}
		if seg != typeSegs[i] {
			return false
		}
	}
	return true
}
