// Package redact strips secrets (LLM API keys, the Matrix access token) from
// strings before they reach a log line or a chat message.
package redact

import "strings"

const placeholder = "[REDACTED]"

// String replaces each secret in s with [REDACTED]. Secrets shorter than
// four characters are ignored.
func String(s string, secrets ...string) string {
	for _, v := range secrets {
		if len(v) < 4 {
			continue
		}
		s = strings.ReplaceAll(s, v, placeholder)
	}
	return s
}

// Mask renders a secret for display, keeping only its last four characters.
func Mask(secret string) string {
	if len(secret) <= 8 {
		return placeholder
	}
	return "…" + secret[len(secret)-4:]
}
