package security

import (
	"context"
	"net/http/httptest"
	"testing"
)

func TestClientIP(t *testing.T) {
	tests := []struct {
		name           string
		remoteAddr     string
		xff            string
		xRealIP        string
		trustProxy     bool
		trustedProxies int
		want           string
	}{
		{name: "remote addr", remoteAddr: "192.0.2.1:1234", want: "192.0.2.1"},
		{name: "untrusted xff ignored", remoteAddr: "192.0.2.1:1234", xff: "203.0.113.5", want: "192.0.2.1"},
		{name: "trusted single proxy", remoteAddr: "10.0.0.1:80", xff: "203.0.113.5, 10.0.0.2", trustProxy: true, want: "203.0.113.5"},
		{name: "two trusted proxies", remoteAddr: "10.0.0.1:80", xff: "203.0.113.5, 198.51.100.1, 10.0.0.2", trustProxy: true, trustedProxies: 2, want: "203.0.113.5"},
		{name: "spoofed leftmost skipped", remoteAddr: "10.0.0.1:80", xff: "1.1.1.1, 203.0.113.5, 10.0.0.2", trustProxy: true, want: "203.0.113.5"},
		{name: "invalid xff falls back to x-real-ip", remoteAddr: "10.0.0.1:80", xff: "garbage", xRealIP: "203.0.113.9", trustProxy: true, want: "203.0.113.9"},
		{name: "ipv6 remote", remoteAddr: "[2001:db8::1]:443", want: "2001:db8::1"},
		{name: "remote without port", remoteAddr: "192.0.2.7", want: "192.0.2.7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xRealIP != "" {
				req.Header.Set("X-Real-IP", tt.xRealIP)
			}
			if got := ClientIP(req, tt.trustProxy, tt.trustedProxies); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClientIPContext(t *testing.T) {
	ctx := WithClientIP(context.Background(), "203.0.113.7")
	if got := GetClientIP(ctx); got != "203.0.113.7" {
		t.Errorf("GetClientIP() = %q", got)
	}
	if got := GetClientIP(context.Background()); got != "" {
		t.Errorf("GetClientIP(empty) = %q", got)
	}
}
