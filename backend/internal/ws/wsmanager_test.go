package ws

import (
	"net/http/httptest"
	"testing"
)

func TestOriginAllowed(t *testing.T) {
	allowed := []string{"https://docs.example.com", "http://10.0.0.5:8080/"}
	cases := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"null", true},
		{"http://localhost", true},
		{"http://localhost:5173", true},
		{"https://127.0.0.1:3000", true},
		{"http://[::1]:5173", true},
		{"http://localhost.evil.com", false},
		{"http://127.0.0.1.evil.com", false},
		{"https://localhost@evil.com", false},
		{"ftp://localhost", false},
		{"https://docs.example.com", true},
		{"https://DOCS.example.com", true},
		{"https://docs.example.com.evil.com", false},
		{"http://docs.example.com", false},
		{"http://10.0.0.5:8080", true},
		{"http://10.0.0.5:9090", false},
		{"not a url", false},
	}
	for _, tc := range cases {
		if got := originAllowed(tc.origin, allowed); got != tc.want {
			t.Fatalf("originAllowed(%q) = %v, want %v", tc.origin, got, tc.want)
		}
	}
	if !originAllowed("https://anything.example.org", []string{"*"}) {
		t.Fatalf("wildcard should allow every origin")
	}
}

func TestUpgrader_CheckOrigin(t *testing.T) {
	u := newUpgrader(nil)
	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Origin", "http://localhost.evil.com")
	if u.CheckOrigin(r) {
		t.Fatalf("lookalike localhost origin accepted")
	}
	r.Header.Set("Origin", "http://localhost:5173")
	if !u.CheckOrigin(r) {
		t.Fatalf("local dev origin rejected")
	}
}
