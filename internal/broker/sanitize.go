package broker

import (
	"regexp"
)

// Venue errors sometimes echo request material back, including signed
// headers and key parameters. Everything persisted to last_error_json or
// shown to operators goes through Sanitize first.
var (
	bearerPattern     = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9+/=._-]{6,}`)
	credentialPattern = regexp.MustCompile(`(?i)\b(api[-_]?key|api[-_]?secret|secret[-_]?key|access[-_]?token|refresh[-_]?token|authorization|signature|passphrase|password)\b["']?\s*[:=]?\s*["']?[A-Za-z0-9+/=._-]{6,}`)
	opaqueBlobPattern = regexp.MustCompile(`\b[A-Za-z0-9+/=_-]{48,}\b`)
)

// Sanitize strips credential-looking material from venue error text.
func Sanitize(msg string) string {
	msg = bearerPattern.ReplaceAllString(msg, "[REDACTED]")
	msg = credentialPattern.ReplaceAllString(msg, "$1=[REDACTED]")
	msg = opaqueBlobPattern.ReplaceAllString(msg, "[REDACTED]")
	return msg
}

// SanitizeError is Sanitize over an error's message; nil yields "".
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return Sanitize(err.Error())
}
