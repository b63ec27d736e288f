package authutil

import (
	"encoding/json"
	"strings"
)

// PasswordLength is the length of the short-lived pass the game hands out
// through chat_pass. Any other credential is treated as a chat token.
const PasswordLength = 5

// IsPassword reports whether credential must be exchanged for a token.
func IsPassword(credential string) bool {
	return len(credential) == PasswordLength
}

// ExtractChatToken attempts to locate a chat token in a stored payload.
// It accepts, in order:
//  1. a bare token on the first line
//  2. top-level field: {"chat_token":"..."}
//  3. top-level field: {"token":"..."}
func ExtractChatToken(raw []byte) string {
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return ""
	}
	if !strings.HasPrefix(text, "{") {
		line, _, _ := strings.Cut(text, "\n")
		return strings.TrimSpace(line)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return ""
	}
	if v, ok := payload["chat_token"].(string); ok && v != "" {
		return v
	}
	if v, ok := payload["token"].(string); ok && v != "" {
		return v
	}
	return ""
}
