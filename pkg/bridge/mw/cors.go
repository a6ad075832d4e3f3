package mw

import (
	"net/http"
	"strings"
)

const (
	corsAllowedMethods = "GET, OPTIONS"
	corsAllowedHeaders = "Content-Type, X-Request-ID"
	corsExposedHeaders = "X-Request-ID, Retry-After"
)

// CORS attaches headers for allowlisted origins. An empty allowlist sends no
// CORS headers and refuses preflights; "*" allows every origin.
func CORS(allowed map[string]struct{}, next http.Handler) http.Handler {
	_, wildcard := allowed["*"]
	permitted := func(origin string) bool {
		if origin == "" || len(allowed) == 0 {
			return false
		}
		if wildcard {
			return true
		}
		_, ok := allowed[strings.ToLower(origin)]
		return ok
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
		ok := permitted(origin)

		if preflight && !ok {
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}
		if ok {
			hdr := w.Header()
			hdr.Set("Access-Control-Allow-Origin", origin)
			hdr.Add("Vary", "Origin")
			if preflight {
				hdr.Set("Access-Control-Allow-Methods", corsAllowedMethods)
				hdr.Set("Access-Control-Allow-Headers", corsAllowedHeaders)
				hdr.Set("Access-Control-Max-Age", "600")
				w.WriteHeader(http.StatusNoContent)
				return
			}
			hdr.Set("Access-Control-Expose-Headers", corsExposedHeaders)
		}
		next.ServeHTTP(w, r)
	})
}
