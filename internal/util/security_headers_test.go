package util

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func serveWithPolicy(policy HeaderPolicy, req *http.Request) *httptest.ResponseRecorder {
	h := WithSecurityHeaders(policy, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestWithSecurityHeaders(t *testing.T) {
	rec := serveWithPolicy(HeaderPolicy{HSTSMaxAge: time.Hour}, httptest.NewRequest(http.MethodGet, "/users/me", nil))

	want := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"Referrer-Policy":         "no-referrer",
		"Cache-Control":           "no-store",
		"Content-Security-Policy": DefaultContentSecurityPolicy,
	}
	for name, value := range want {
		if got := rec.Header().Get(name); got != value {
			t.Fatalf("%s = %q, want %q", name, got, value)
		}
	}
	if got := rec.Header().Get("Strict-Transport-Security"); got != "" {
		t.Fatalf("did not expect HSTS over plain http, got %q", got)
	}
}

func TestWithSecurityHeadersHSTSBehindTrustedProxy(t *testing.T) {
	trusted := mustTrusted(t, []string{"10.20.0.0/16"})
	policy := HeaderPolicy{HSTSMaxAge: 180 * 24 * time.Hour, ContentSecurityPolicy: "default-src 'self'", TrustedProxies: trusted}

	req := httptest.NewRequest(http.MethodGet, "/books", nil)
	req.RemoteAddr = "10.20.1.1:40100"
	req.Header.Set("X-Forwarded-Proto", "https")
	rec := serveWithPolicy(policy, req)
	if got := rec.Header().Get("Strict-Transport-Security"); got != "max-age=15552000; includeSubDomains" {
		t.Fatalf("hsts = %q", got)
	}
	if got := rec.Header().Get("Content-Security-Policy"); got != "default-src 'self'" {
		t.Fatalf("csp = %q", got)
	}

	req.RemoteAddr = "198.51.100.10:40100"
	if got := serveWithPolicy(policy, req).Header().Get("Strict-Transport-Security"); got != "" {
		t.Fatalf("untrusted peer got hsts %q", got)
	}

	req.RemoteAddr = "10.20.1.1:40100"
	policy.HSTSMaxAge = 0
	if got := serveWithPolicy(policy, req).Header().Get("Strict-Transport-Security"); got != "" {
		t.Fatalf("disabled hsts still sent: %q", got)
	}
}
