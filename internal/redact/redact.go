// Package redact centralizes masking of provider keys and HF tokens
// wherever they might otherwise leak into logs or webhook bodies.
package redact

import "strings"

// visibleSuffixLen is how many trailing characters of a secret survive
// masking, enough to let an operator match a key in a support ticket
// without the key itself being readable.
const visibleSuffixLen = 4

// Secret masks s, leaving only the last few characters visible. A secret
// no longer than that visible suffix masks to a fixed-width placeholder so
// none of it is revealed; an empty string stays empty.
func Secret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= visibleSuffixLen {
		return "****"
	}
	return "****" + s[len(s)-visibleSuffixLen:]
}

// Map returns a copy of m with every value whose key matches a known
// secret-bearing field name masked. Used before a payload is logged or
// included in a webhook delivery-failure log entry.
func Map(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		if isSecretKey(k) {
			out[k] = Secret(v)
		} else {
			out[k] = v
		}
	}
	return out
}

func isSecretKey(key string) bool {
	lower := strings.ToLower(key)
	for _, marker := range []string{"token", "key", "secret", "password", "credential"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
