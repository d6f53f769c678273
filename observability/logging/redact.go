package logging

import (
	"log/slog"
	"sort"
	"strings"
)

// RedactedValue replaces sensitive values in log output.
const RedactedValue = "[REDACTED]"

// redactionAllowlist names the structured keys futarchyd's own log lines
// emit with values that are safe to print: identifiers, enum-ish kinds, and
// the ambient fields Setup attaches. Anything else routed through MaskField
// is masked; in this daemon that is signing-key material resolved from
// MANAGER_PRIVATE_KEY_<TICKER>.
var redactionAllowlist = map[string]struct{}{
	"service":   {},
	"env":       {},
	"message":   {},
	"severity":  {},
	"timestamp": {},
	"err":       {},
	"kind":      {},
	"moderator": {},
	"proposal":  {},
	"market":    {},
	"ticker":    {},
	"env_var":   {},
	"address":   {},
	"count":     {},
}

// IsAllowlisted reports whether the provided key is exempt from redaction.
func IsAllowlisted(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	_, ok := redactionAllowlist[normalized]
	return ok
}

// RedactionAllowlist returns a sorted copy of the keys exempt from
// redaction, so tests can pin the set and catch accidental widening.
func RedactionAllowlist() []string {
	keys := make([]string, 0, len(redactionAllowlist))
	for key := range redactionAllowlist {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// MaskValue returns the redacted placeholder for non-empty values. Empty
// values pass through unchanged so absent fields stay recognisable.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField returns a slog.Attr whose value is redacted unless the key is
// explicitly allowlisted. The original key casing is preserved.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}
