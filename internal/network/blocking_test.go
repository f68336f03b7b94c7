package network

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"testing"
)

func TestDiagnoseBlockingNil(t *testing.T) {
	if got := DiagnoseBlocking(nil, "https://example.com"); got != nil {
		t.Errorf("DiagnoseBlocking(nil) = %v, want nil", got)
	}
}

func TestDiagnoseBlockingDNS(t *testing.T) {
	err := &net.DNSError{Name: "api.example.com", IsNotFound: true}

	diag := DiagnoseBlocking(err, "https://api.example.com/v1/track")
	if diag == nil {
		t.Fatal("expected a diagnosis for DNS not-found")
	}
	if diag.Domain != "api.example.com" {
		t.Errorf("Domain = %s, want api.example.com", diag.Domain)
	}
	if !errors.Is(diag, err) {
		t.Error("diagnosis should wrap the original error")
	}
}

func TestDiagnoseBlockingDialErrno(t *testing.T) {
	errnos := []syscall.Errno{
		syscall.ECONNREFUSED,
		syscall.ECONNRESET,
		syscall.ETIMEDOUT,
		syscall.ENETUNREACH,
		syscall.EHOSTUNREACH,
	}

	for _, errno := range errnos {
		t.Run(errno.Error(), func(t *testing.T) {
			err := &net.OpError{Op: "dial", Net: "tcp", Err: errno}
			if DiagnoseBlocking(err, "https://example.com") == nil {
				t.Errorf("expected a diagnosis for dial %v", errno)
			}
		})
	}
}

func TestDiagnoseBlockingStringPatterns(t *testing.T) {
	tests := []struct {
		err     error
		blocked bool
	}{
		{fmt.Errorf("read tcp: connection reset by peer"), true},
		{fmt.Errorf("lookup example.com: no such host"), true},
		{fmt.Errorf("dial tcp 1.2.3.4:443: i/o timeout"), true},
		{fmt.Errorf("tls: bad record MAC"), true},
		{fmt.Errorf("x509: certificate signed by unknown authority"), true},
		{fmt.Errorf("unexpected EOF"), true},
		{fmt.Errorf("invalid JSON payload"), false},
		{fmt.Errorf("HTTP 404 not found"), false},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			got := DiagnoseBlocking(tt.err, "https://example.com") != nil
			if got != tt.blocked {
				t.Errorf("DiagnoseBlocking(%q) blocked = %v, want %v", tt.err, got, tt.blocked)
			}
		})
	}
}

func TestBlockingErrorMentionsRemediation(t *testing.T) {
	diag := DiagnoseBlocking(fmt.Errorf("no such host"), "https://blocked.example.com")
	if diag == nil {
		t.Fatal("expected a diagnosis")
	}

	msg := diag.Error()
	for _, want := range []string{"blocked.example.com", "1.1.1.1", "8.8.8.8", "VPN"} {
		if !strings.Contains(msg, want) {
			t.Errorf("diagnosis %q missing %q", msg, want)
		}
	}
}

func TestScanBodyForBlockingPage(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		blocked bool
	}{
		{"access denied page", "<html>Access Denied by order of the court</html>", true},
		{"legal block", "This content is unavailable for legal reasons", true},
		{"api error", `{"error":"invalid_token"}`, false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, got := scanBodyForBlockingPage([]byte(tt.body))
			if got != tt.blocked {
				t.Errorf("scanBodyForBlockingPage() = %v, want %v", got, tt.blocked)
			}
		})
	}
}

func TestExtractDomain(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://api.example.com/v1/track?id=1", "api.example.com"},
		{"http://example.com", "example.com"},
		{"", "unknown"},
	}

	for _, tt := range tests {
		if got := extractDomain(tt.in); got != tt.want {
			t.Errorf("extractDomain(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
