package logger

import (
	"net/url"
	"strings"
)

// RedactDestination masks an alert destination for safe logging.
// Phone numbers keep country code and last two digits: "+15551234567" →
// "+1******67". Webhook URLs are stripped of query string and userinfo.
// Email addresses keep the first two local characters and the domain.
func RedactDestination(dest string) string {
	d := strings.TrimSpace(dest)
	if d == "" {
		return ""
	}
	if strings.HasPrefix(d, "http://") || strings.HasPrefix(d, "https://") {
		return redactURL(d)
	}
	if strings.Contains(d, "@") {
		return redactEmail(d)
	}
	return redactPhone(d)
}

func redactPhone(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	head := phone[:2]
	tail := phone[len(phone)-2:]
	return head + strings.Repeat("*", len(phone)-4) + tail
}

func redactEmail(email string) string {
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

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "https://***"
	}
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
