package telemetry

import "strings"

// sensitiveKeys names the field-name substrings that must never reach a
// telemetry event or log line in clear, per §4.6.
var sensitiveKeys = []string{"cookie", "authorization", "password", "token", "bearer"}

const redactedMarker = "[redacted]"

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, k := range sensitiveKeys {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// RedactFields returns a copy of fields with every value whose key matches
// the sensitive-key list replaced by a redaction marker. Used for the
// free-form metadata attached to an attempt event.
func RedactFields(fields map[string]string) map[string]string {
	if fields == nil {
		return nil
	}
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		if isSensitiveKey(k) {
			out[k] = redactedMarker
			continue
		}
		out[k] = v
	}
	return out
}

// RedactSnippet truncates a free-form upstream error snippet to maxLen bytes
// and blanks it entirely if it mentions cookie or credential material, since
// an echoed-back error body is the one place secret text could otherwise
// leak into an attempt event.
func RedactSnippet(s string, maxLen int) string {
	lower := strings.ToLower(s)
	for _, k := range sensitiveKeys {
		if strings.Contains(lower, k) {
			return redactedMarker
		}
	}
	if maxLen > 0 && len(s) > maxLen {
		return s[:maxLen]
	}
	return s
}
