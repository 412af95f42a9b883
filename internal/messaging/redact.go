package messaging

import "regexp"

// otpPattern matches anything that looks like a one-time code.
var otpPattern = regexp.MustCompile(`\b\d{4,8}\b`)

// redactedPlaceholder replaces code-like digit runs in logged messages.
const redactedPlaceholder = "[redacted]"

// Redact replaces code-like digit runs so they never reach the message log.
func Redact(body string) string {
	return otpPattern.ReplaceAllString(body, redactedPlaceholder)
}

// LooksLikeCode reports whether the whole message is a bare one-time code.
// An empty body is not a code; FindString returns "" on no match, which
// would otherwise compare equal.
func LooksLikeCode(body string) bool {
	return body != "" && otpPattern.FindString(body) == body
}
