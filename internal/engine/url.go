package engine

import (
	"net/url"
	"strings"
)

// NormalizeDomain reduces a source URL or bare host to a lowercase hostname
// suitable as a rate-limit key. Invalid input yields "unknown" so callers
// never key state on an empty string.
func NormalizeDomain(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "unknown"
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	host := strings.ToLower(u.Hostname())
	return strings.TrimPrefix(host, "www.")
}
