package logger

import "strings"

// RedactEmail masks an email address for safe logging.
// "jane.doe@acme.io" → "ja***@acme.io"
// Short local parts (≤2 chars) are fully masked: "jd@acme.io" → "***@acme.io"
func RedactEmail(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return "***@***"
	}
	name := parts[0]
	if len(name) > 2 {
		return name[:2] + "***@" + parts[1]
	}
	return "***@" + parts[1]
}

// RedactPhone keeps only the last two characters of a phone number.
func RedactPhone(phone string) string {
	if len(phone) <= 2 {
		return "***"
	}
	return "***" + phone[len(phone)-2:]
}
