package transport

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
)

// defaultOrigin stands in for clients that send no Origin header, such as
// command line tools and load generators.
const defaultOrigin = "http://localhost"

// AllowEmptyOrigin fills in a missing Origin header and then rejects origins
// whose host is not listed in allowed. "*" allows everything; an entry with a
// leading dot matches the domain and all of its subdomains.
func AllowEmptyOrigin(allowed []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				origin = defaultOrigin
				r.Header.Set("Origin", origin)
			}
			if !originAllowed(origin, allowed) {
				http.Error(w, "Origin not allowed", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func originAllowed(origin string, allowed []string) bool {
	u, err := url.Parse(origin)
	if err != nil || u.Hostname() == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())

	for _, pattern := range allowed {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		switch {
		case pattern == "*":
			return true
		case strings.HasPrefix(pattern, "."):
			if host == pattern[1:] || strings.HasSuffix(host, pattern) {
				return true
			}
		case host == pattern:
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
