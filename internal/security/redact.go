package security

import (
	"strings"

	"go.uber.org/zap"
)

// RedactedValue replaces any field value whose key looks sensitive.
const RedactedValue = "[REDACTED]"

// sensitiveTerms match as substrings of a lowercased field key.
var sensitiveTerms = []string{
	"password",
	"passwd",
	"token",
	"key",
	"secret",
	"credential",
	"auth",
	"cookie",
	"session",
}

// IsSensitiveKey reports whether a log field key matches a sensitive term.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, term := range sensitiveTerms {
		if strings.Contains(lower, term) {
			return true
		}
	}
	return false
}

// Redact returns the value to log for the given key. Sensitive keys are
// redacted unconditionally, before any logging call sees the value.
func Redact(key, value string) string {
	if IsSensitiveKey(key) {
		return RedactedValue
	}
	return value
}

// LogString builds a zap string field with redaction applied. Use this for
// any field whose value originated outside the process.
func LogString(key, value string) zap.Field {
	return zap.String(key, Redact(key, value))
}

// RedactMap returns a copy of fields with sensitive values replaced. The
// input map is not modified.
func RedactMap(fields map[string]string) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[k] = Redact(k, v)
	}
	return out
}
