// Package clientip resolves the originating address of a browser request.
// Sessions are rate limited per address, so proxy headers are only honoured
// when the deployment says they can be trusted.
package clientip

import (
	"net"
	"net/http"
	"strings"
)

// Unknown is returned when no address can be parsed.
const Unknown = "unknown"

// Resolve returns the client IP for r. With trustProxyHeaders set,
// CF-Connecting-IP, X-Real-IP and the left-most X-Forwarded-For entry are
// consulted before RemoteAddr.
func Resolve(r *http.Request, trustProxyHeaders bool) string {
	if r == nil {
		return Unknown
	}
	if trustProxyHeaders {
		for _, h := range []string{"CF-Connecting-IP", "X-Real-IP"} {
			if ip := parse(r.Header.Get(h)); ip != "" {
				return ip
			}
		}
		if raw := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); raw != "" {
			first, _, _ := strings.Cut(raw, ",")
			if ip := parse(first); ip != "" {
				return ip
			}
		}
	}
	if ip := parse(r.RemoteAddr); ip != "" {
		return ip
	}
	return Unknown
}

func parse(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(s); err == nil {
		s = h
	}
	ip := net.ParseIP(strings.Trim(s, "[]"))
	if ip == nil {
		return ""
	}
	return ip.String()
}
