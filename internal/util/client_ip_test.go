package util

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientIPIgnoresForwardedFromUntrustedPeer(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.9:4242"
	req.Header.Set("X-Forwarded-For", "198.51.100.1")

	if got := ClientIP(req, nil); got != "203.0.113.9" {
		t.Fatalf("unexpected client ip: %q", got)
	}
}

func TestClientIPUsesForwardedFromTrustedProxy(t *testing.T) {
	trusted, err := NewTrustedProxies([]string{"10.0.0.0/8"})
	if err != nil {
		t.Fatalf("new trusted proxies: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:4242"
	req.Header.Set("X-Forwarded-For", "198.51.100.1, 10.9.9.9")

	if got := ClientIP(req, trusted); got != "198.51.100.1" {
		t.Fatalf("unexpected client ip: %q", got)
	}
}

func TestClientIPFallsBackToRemoteAddr(t *testing.T) {
	trusted, err := NewTrustedProxies([]string{"10.0.0.0/8"})
	if err != nil {
		t.Fatalf("new trusted proxies: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:4242"

	if got := ClientIP(req, trusted); got != "10.1.2.3" {
		t.Fatalf("unexpected client ip: %q", got)
	}
}
