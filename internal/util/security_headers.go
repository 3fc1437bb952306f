package util

import (
	"net/http"
	"strconv"
	"time"
)

// DefaultContentSecurityPolicy locks the JSON API out of every browser
// capability. Cover images are served from presigned object storage URLs,
// not from this origin.
const DefaultContentSecurityPolicy = "default-src 'none'; frame-ancestors 'none'; base-uri 'none'"

// HeaderPolicy configures WithSecurityHeaders.
type HeaderPolicy struct {
	// HSTSMaxAge is sent on HTTPS responses; zero disables HSTS.
	HSTSMaxAge            time.Duration
	ContentSecurityPolicy string
	TrustedProxies        *TrustedProxies
}

// WithSecurityHeaders sets hardening headers on every response. Responses
// carry bearer tokens and patron data, so nothing is cacheable.
func WithSecurityHeaders(policy HeaderPolicy, next http.Handler) http.Handler {
	csp := policy.ContentSecurityPolicy
	if csp == "" {
		csp = DefaultContentSecurityPolicy
	}
	hsts := ""
	if policy.HSTSMaxAge > 0 {
		hsts = "max-age=" + strconv.FormatInt(int64(policy.HSTSMaxAge/time.Second), 10) + "; includeSubDomains"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
		h.Set("Content-Security-Policy", csp)
		if hsts != "" && ForwardedHTTPS(r, policy.TrustedProxies) {
			h.Set("Strict-Transport-Security", hsts)
		}
		next.ServeHTTP(w, r)
	})
}
