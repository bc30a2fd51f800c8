package incident

import (
	"regexp"
	"strings"
)

var (
	contextEmailRegex    = regexp.MustCompile(`(?i)\b[\w.+-]+@[\w.-]+\.[a-z]{2,}\b`)
	contextBearerRegex   = regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9._~+/=-]{8,}\b`)
	contextHexTokenRegex = regexp.MustCompile(`(?i)\b[0-9a-f]{32,}\b`)
	contextCardRegex     = regexp.MustCompile(`\b(?:\d[ -]*?){13,16}\b`)
)

const maxContextString = 2_000

// redactContext scrubs credentials and personal data out of a reporter-supplied context document.
func redactContext(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}
	redacted, _ := redactValue(details, "").(map[string]any)
	return redacted
}

func redactValue(value any, key string) any {
	switch typed := value.(type) {
	case map[string]any:
		sanitized := make(map[string]any, len(typed))
		for childKey, childValue := range typed {
			sanitized[childKey] = redactValue(childValue, childKey)
		}
		return sanitized
	case []any:
		sanitized := make([]any, 0, len(typed))
		for _, childValue := range typed {
			sanitized = append(sanitized, redactValue(childValue, key))
		}
		return sanitized
	case string:
		return redactString(typed, key)
	default:
		return value
	}
}

func redactString(value string, key string) string {
	if isSensitiveKey(strings.ToLower(strings.TrimSpace(key))) {
		return "<redacted>"
	}

	redacted := value
	redacted = contextEmailRegex.ReplaceAllString(redacted, "<email>")
	redacted = contextBearerRegex.ReplaceAllString(redacted, "<token>")
	redacted = contextHexTokenRegex.ReplaceAllString(redacted, "<token>")
	redacted = contextCardRegex.ReplaceAllString(redacted, "<card-number>")
	if len(redacted) > maxContextString {
		return redacted[:maxContextString]
	}
	return redacted
}

func isSensitiveKey(key string) bool {
	if key == "" {
		return false
	}
	for _, marker := range []string{"password", "passwd", "secret", "token", "authorization", "cookie", "api_key", "apikey"} {
		if strings.Contains(key, marker) {
			return true
		}
	}
	return false
}
