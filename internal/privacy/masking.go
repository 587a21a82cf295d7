package privacy

import (
	"net/url"
	"strings"

	"sendqueue/internal/constants"
)

// MaskChatID hides all but the last two characters of a chat id.
// Example: "12345" -> "***45"
func MaskChatID(chatID string) string {
	return maskString(chatID, constants.DefaultChatIDMaskLength)
}

// MaskToken hides a session token except for its last four characters.
func MaskToken(token string) string {
	return maskString(token, constants.DefaultTokenMaskLength)
}

// MaskMessageID keeps the last four characters of a queue entry id, enough
// to correlate log lines.
func MaskMessageID(id string) string {
	return maskString(id, 4)
}

// MaskURL drops credentials and the query string, which may carry a token.
func MaskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "[invalid url]"
	}
	if u.User != nil {
		u.User = url.User("***")
	}
	if u.RawQuery != "" {
		u.RawQuery = "***"
	}
	return u.String()
}

// ContentSummary describes message content without revealing it.
func ContentSummary(text, photo, position string) string {
	parts := make([]string, 0, 3)
	if text != "" {
		parts = append(parts, "text")
	}
	if photo != "" {
		parts = append(parts, "photo")
	}
	if position != "" {
		parts = append(parts, "position")
	}
	if len(parts) == 0 {
		return "empty"
	}
	return strings.Join(parts, "+")
}

func maskString(s string, visible int) string {
	if s == "" {
		return ""
	}
	if len(s) <= visible {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", len(s)-visible) + s[len(s)-visible:]
}
