package network

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestDoWithFingerprintBypassChallengePage(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&requests, 1) == 1 {
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte("<html>Checking your browser before accessing - cloudflare</html>"))
			return
		}
		w.Write([]byte("mirror payload"))
	}))
	defer server.Close()

	// The bypass transport only fingerprints https; over plain http it
	// falls through to the shared transport, which is what lets this
	// test observe the second attempt.
	clients := testClients(t, 0)
	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)

	resp, err := clients.DoWithFingerprintBypass(req)
	if err != nil {
		t.Fatalf("DoWithFingerprintBypass() error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200 after the fingerprint retry", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "mirror payload" {
		t.Errorf("body = %q", body)
	}
	if n := atomic.LoadInt32(&requests); n != 2 {
		t.Errorf("requests = %d, want 2 (challenge, then bypass)", n)
	}
}

func TestDoWithFingerprintBypassPlainForbidden(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("nope"))
	}))
	defer server.Close()

	clients := testClients(t, 0)
	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)

	resp, err := clients.DoWithFingerprintBypass(req)
	if err != nil {
		t.Fatalf("DoWithFingerprintBypass() error = %v", err)
	}
	defer resp.Body.Close()

	// No challenge markers: the 403 comes back as-is, body intact,
	// without a second handshake.
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "nope" {
		t.Errorf("body = %q, want restored 403 body", body)
	}
	if n := atomic.LoadInt32(&requests); n != 1 {
		t.Errorf("requests = %d, want 1", n)
	}
}

func TestIsChallengePage(t *testing.T) {
	tests := []struct {
		body string
		want bool
	}{
		{"<html>Checking your browser</html>", true},
		{"Ray ID: 8abc123", true},
		{"DDoS protection by example", true},
		{`{"error":"quota exceeded"}`, false},
		{"", false},
	}
	for _, tt := range tests {
		if got := isChallengePage([]byte(tt.body)); got != tt.want {
			t.Errorf("isChallengePage(%q) = %v, want %v", tt.body, got, tt.want)
		}
	}
}
