package events

import "strings"

// Wildcard matches every event type.
const Wildcard = "*"

// Match applies the bus and notification subscription rules: "*", an exact
// type, or "<entity>.*".
func Match(pattern, eventType string) bool {
	if pattern == Wildcard || pattern == eventType {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		entity, _ := Split(eventType)
		return entity == prefix
	}
	return false
}

// MatchWebhook extends Match with the reversed "*.<action>" form that only
// webhook subscriptions accept.
func MatchWebhook(pattern, eventType string) bool {
	if Match(pattern, eventType) {
		return true
	}
	if suffix, ok := strings.CutPrefix(pattern, "*."); ok && suffix != "*" {
		_, action := Split(eventType)
		return action == suffix
	}
	return false
}

// ValidPattern checks pattern syntax. allowSuffix enables "*.<action>".
func ValidPattern(pattern string, allowSuffix bool) bool {
	if pattern == Wildcard {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return entityPattern.MatchString(prefix)
	}
	if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
		return allowSuffix && typePattern.MatchString("x."+suffix)
	}
	return ValidType(pattern)
}
