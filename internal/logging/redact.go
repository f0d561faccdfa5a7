package logging

import (
	"regexp"
	"strings"
)

// RedactedValue replaces anything considered secret.
const RedactedValue = "***"

// Parameter and header names whose values are never logged or persisted.
var sensitiveFields = []string{
	"password",
	"passwd",
	"secret",
	"token",
	"api_key",
	"apikey",
	"authorization",
	"credential",
	"private_key",
	"access_key",
}

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9._~+/=-]{8,}`),
	regexp.MustCompile(`(?i)(ghp_[a-zA-Z0-9]{36})`),
	regexp.MustCompile(`(?i)(sk-[a-zA-Z0-9]{20,})`),
	regexp.MustCompile(`(?i)(key|token|secret|password)[=:]["']?[a-zA-Z0-9+/=_-]{16,}["']?`),
}

// IsSensitiveField reports whether a parameter name looks like it carries
// a secret. Names ending in "key" (backup_key, signingKey) count as well.
func IsSensitiveField(name string) bool {
	lower := strings.ToLower(name)
	if strings.HasSuffix(lower, "key") && lower != "key" {
		return true
	}
	for _, field := range sensitiveFields {
		if strings.Contains(lower, field) {
			return true
		}
	}
	return false
}

// Redact masks secret-looking substrings of s.
func Redact(s string) string {
	for _, pattern := range secretPatterns {
		s = pattern.ReplaceAllString(s, RedactedValue)
	}
	return s
}

// RedactMap returns a copy of m with sensitive values masked. Nested maps
// and lists are redacted recursively; m itself is not modified.
func RedactMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}

	out := make(map[string]any, len(m))
	for k, v := range m {
		if IsSensitiveField(k) {
			out[k] = RedactedValue
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return RedactMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = redactValue(item)
		}
		return out
	case []string:
		out := make([]string, len(val))
		for i, item := range val {
			out[i] = Redact(item)
		}
		return out
	case string:
		return Redact(val)
	default:
		return v
	}
}
