package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces sensitive values in log output.
const RedactedValue = "[REDACTED]"

// Keys whose values never reach logs in the clear. Credential tokens and
// connection strings carry secrets; DIDs and addresses are public chain data
// and are not listed.
var sensitiveKeys = map[string]struct{}{
	"token":      {},
	"jwt":        {},
	"credential": {},
	"secret":     {},
	"key":        {},
	"dsn":        {},
	"password":   {},
}

// IsSensitive reports whether a log key must have its value masked.
func IsSensitive(key string) bool {
	_, ok := sensitiveKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// MaskField returns a slog.Attr with the value replaced by the redaction
// placeholder when the key is sensitive. Empty values pass through so absent
// fields stay recognisable.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || !IsSensitive(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// MaskToken shortens a bearer token to an identifying prefix. Eight
// characters of a JWT header are enough to correlate log lines without
// disclosing the signature.
func MaskToken(token string) string {
	token = strings.TrimSpace(token)
	if token == "" {
		return token
	}
	if len(token) <= 8 {
		return RedactedValue
	}
	return token[:8] + RedactedValue
}
