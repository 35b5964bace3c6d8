package utils

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestNormalizeIP(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "empty", input: "", want: ""},
		{name: "plain_ipv4", input: "192.168.1.10", want: "192.168.1.10"},
		{name: "ipv4_with_port", input: "10.0.0.1:8080", want: "10.0.0.1"},
		{name: "forwarded_list", input: "203.0.113.5, 10.0.0.1", want: "203.0.113.5"},
		{name: "ipv4_mapped", input: "::ffff:192.0.2.1", want: "192.0.2.1"},
		{name: "ipv6_with_port", input: "[2001:db8::1]:443", want: "2001:db8::1"},
		{name: "not_an_ip", input: "localhost", want: "localhost"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeIP(tt.input); got != tt.want {
				t.Errorf("NormalizeIP(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestGetClientIP(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{name: "forwarded_for", headers: map[string]string{"X-Forwarded-For": "198.51.100.7, 10.0.0.2"}, remote: "10.0.0.2:1234", want: "198.51.100.7"},
		{name: "real_ip", headers: map[string]string{"X-Real-IP": "198.51.100.8"}, remote: "10.0.0.2:1234", want: "198.51.100.8"},
		{name: "remote_addr", remote: "192.0.2.44:5555", want: "192.0.2.44"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			c.Request = req
			if got := GetClientIP(c); got != tt.want {
				t.Errorf("GetClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsIPInList(t *testing.T) {
	list := []string{"127.0.0.1", "10.0.0.0/8"}
	cases := map[string]bool{
		"127.0.0.1":   true,
		"10.20.30.40": true,
		"192.168.1.1": false,
		"garbage":     false,
	}
	for ip, want := range cases {
		if got := IsIPInList(ip, list); got != want {
			t.Errorf("IsIPInList(%q) = %v, want %v", ip, got, want)
		}
	}
}

func TestRequestInfoContext(t *testing.T) {
	ctx := WithRequestInfo(context.Background(), "req-1", "192.0.2.1")
	if got := GetRequestIDFromContext(ctx); got != "req-1" {
		t.Errorf("GetRequestIDFromContext() = %q", got)
	}
	if got := GetClientIPFromContext(ctx); got != "192.0.2.1" {
		t.Errorf("GetClientIPFromContext() = %q", got)
	}
	if got := GetClientIPFromContext(context.Background()); got != "" {
		t.Errorf("expected empty ip, got %q", got)
	}
}

func TestNormalizePage(t *testing.T) {
	page, size := NormalizePage(0, 0, 100)
	if page != 1 || size != 20 {
		t.Errorf("NormalizePage(0,0) = %d,%d", page, size)
	}
	page, size = NormalizePage(3, 500, 100)
	if page != 3 || size != 100 {
		t.Errorf("NormalizePage(3,500) = %d,%d", page, size)
	}
}
