package mesh

import "strings"

// Match reports whether a dotted-path event type matches a subscription
// pattern. Three forms are supported: exact ("health.degraded"), prefix
// ("health.*"), and universal ("*").
func Match(pattern, eventType string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return eventType == prefix || strings.HasPrefix(eventType, prefix+".")
	}
	return pattern == eventType
}
