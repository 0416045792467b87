// Package security masks credentials before they reach logs, notifications
// or command output.
package security

import (
	"regexp"
	"strings"
)

// sensitiveFields contains field names whose values are always masked.
var sensitiveFields = map[string]bool{
	"api_key":    true,
	"api_secret": true,
	"secret":     true,
	"password":   true,
	"token":      true,
	"bot_token":  true,
	"auth_token": true,
	"bearer":     true,
}

// sensitivePatterns match credentials embedded in free text.
var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|api[_-]?secret|secret[_-]?key|access[_-]?token|auth[_-]?token|bot[_-]?token|bearer|password)[=:\s]+["']?([^\s"']+)["']?`),
	// Telegram bot tokens, also inside api.telegram.org/bot<token>/ URLs
	regexp.MustCompile(`\d{6,}:[A-Za-z0-9_-]{30,}`),
	// credentials in redis:// and http(s):// URLs
	regexp.MustCompile(`(?i)([a-z]+://[^:/@\s]*:)([^@\s]+)(@)`),
}

// MaskCredential keeps the first and last four characters of long values.
func MaskCredential(value string) string {
	if len(value) == 0 {
		return ""
	}
	if len(value) <= 4 {
		return strings.Repeat("*", len(value))
	}
	if len(value) <= 8 {
		return value[:2] + strings.Repeat("*", len(value)-2)
	}
	return value[:4] + strings.Repeat("*", len(value)-8) + value[len(value)-4:]
}

// IsSensitiveField reports whether a field name holds a credential.
func IsSensitiveField(field string) bool {
	return sensitiveFields[strings.ToLower(field)]
}

// MaskSensitive masks every credential pattern found in input.
func MaskSensitive(input string) string {
	result := sensitivePatterns[0].ReplaceAllStringFunc(input, func(match string) string {
		for _, sep := range []string{"=", ":", " "} {
			if parts := strings.SplitN(match, sep, 2); len(parts) == 2 {
				return parts[0] + sep + MaskCredential(strings.Trim(parts[1], "\"' "))
			}
		}
		return MaskCredential(match)
	})
	result = sensitivePatterns[1].ReplaceAllStringFunc(result, MaskCredential)
	return sensitivePatterns[2].ReplaceAllString(result, "${1}***${3}")
}

// Redact masks the given secret values and any credential pattern in input.
func Redact(input string, secrets ...string) string {
	for _, s := range secrets {
		if s != "" {
			input = strings.ReplaceAll(input, s, MaskCredential(s))
		}
	}
	return MaskSensitive(input)
}

// RedactError returns err with its message redacted, or nil.
func RedactError(err error, secrets ...string) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if red := Redact(msg, secrets...); red != msg {
		return &redactedError{msg: red, err: err}
	}
	return err
}

// redactedError keeps the wrapped chain for errors.Is while hiding the text.
type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }
