package util

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
)

// Shaped like a deployment's trustedProxyCIDRs: the load balancer subnet
// and the ingress controller's IPv6 address.
var deployProxies = []string{"10.20.0.0/16", " fd00::1 ", ""}

func mustTrusted(t *testing.T, entries []string) *TrustedProxies {
	t.Helper()
	trusted, err := NewTrustedProxies(entries)
	if err != nil {
		t.Fatalf("new trusted proxies: %v", err)
	}
	return trusted
}

func TestClientIP(t *testing.T) {
	trusted := mustTrusted(t, deployProxies)

	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		xrip       string
		trusted    *TrustedProxies
		want       string
	}{
		{name: "untrusted peer ignores forwarding headers", remoteAddr: "198.51.100.10:40100", xff: "203.0.113.5", xrip: "203.0.113.6", trusted: trusted, want: "198.51.100.10"},
		{name: "no proxies configured", remoteAddr: "10.20.1.1:40100", xff: "203.0.113.5", want: "10.20.1.1"},
		{name: "desk behind load balancer", remoteAddr: "10.20.1.1:40100", xff: "203.0.113.5", trusted: trusted, want: "203.0.113.5"},
		{name: "spoofed left hop is skipped", remoteAddr: "10.20.1.1:40100", xff: "1.2.3.4, 203.0.113.5, 10.20.3.3", trusted: trusted, want: "203.0.113.5"},
		{name: "ipv6 ingress", remoteAddr: "[fd00::1]:443", xff: "2001:db8::7", trusted: trusted, want: "2001:db8::7"},
		{name: "ipv4 mapped peer", remoteAddr: "[::ffff:10.20.1.1]:40100", xff: "203.0.113.9", trusted: trusted, want: "203.0.113.9"},
		{name: "x-real-ip fallback", remoteAddr: "10.20.1.1:40100", xff: "garbage", xrip: "203.0.113.7", trusted: trusted, want: "203.0.113.7"},
		{name: "whole chain trusted", remoteAddr: "10.20.1.1:40100", xff: "10.20.0.5, 10.20.0.6", trusted: trusted, want: "10.20.0.5"},
		{name: "unparseable peer passes through", remoteAddr: "pipe", trusted: trusted, want: "pipe"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/users/login", nil)
			req.RemoteAddr = tc.remoteAddr
			if tc.xff != "" {
				req.Header.Set("X-Forwarded-For", tc.xff)
			}
			if tc.xrip != "" {
				req.Header.Set("X-Real-IP", tc.xrip)
			}
			if got := ClientIP(req, tc.trusted); got != tc.want {
				t.Fatalf("client ip = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestForwardedHTTPS(t *testing.T) {
	trusted := mustTrusted(t, deployProxies)

	req := httptest.NewRequest(http.MethodGet, "/books", nil)
	req.RemoteAddr = "10.20.1.1:40100"
	req.Header.Set("X-Forwarded-Proto", "HTTPS")
	if !ForwardedHTTPS(req, trusted) {
		t.Fatalf("expected trusted proxy proto to count")
	}
	req.RemoteAddr = "198.51.100.10:40100"
	if ForwardedHTTPS(req, trusted) {
		t.Fatalf("untrusted peer must not set the scheme")
	}
	req.Header.Del("X-Forwarded-Proto")
	req.TLS = &tls.ConnectionState{}
	if !ForwardedHTTPS(req, nil) {
		t.Fatalf("direct tls should count")
	}
}

func TestNewTrustedProxies(t *testing.T) {
	trusted := mustTrusted(t, deployProxies)
	if !trusted.Contains(netip.MustParseAddr("10.20.255.1")) || trusted.Contains(netip.MustParseAddr("10.21.0.1")) {
		t.Fatalf("unexpected subnet membership")
	}
	if !trusted.Contains(netip.MustParseAddr("fd00::1")) || trusted.Contains(netip.MustParseAddr("fd00::2")) {
		t.Fatalf("bare address should be a single host")
	}
	if empty, err := NewTrustedProxies([]string{" ", ""}); err != nil || empty != nil {
		t.Fatalf("blank entries: %v %v", empty, err)
	}
	for _, bad := range []string{"bad-cidr", "10.0.0.0/33"} {
		if _, err := NewTrustedProxies([]string{bad}); err == nil {
			t.Fatalf("expected parse error for %q", bad)
		}
	}
}
