package middleware

import "net/http"

// APIHeaders returns middleware that sets security headers suited to a
// JSON-only API. HSTS is only sent when the API is served over TLS.
func APIHeaders(tlsEnabled bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "no-referrer")
			// Nothing the API returns is meant to be rendered.
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			// Session and call state changes by the second.
			h.Set("Cache-Control", "no-store")
			if tlsEnabled {
				h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
			}
			next.ServeHTTP(w, r)
		})
	}
}
