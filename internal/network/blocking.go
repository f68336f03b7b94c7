package network

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"syscall"
)

// RemediationHint is appended to blocking diagnoses so the caller can
// surface a concrete next step.
const RemediationHint = "try using a VPN or changing your DNS to 1.1.1.1 or 8.8.8.8"

// BlockingError describes a transport failure attributed to ISP-level
// interference rather than a transient fault.
type BlockingError struct {
	Domain      string
	Reason      string
	OriginalErr error
}

func (e *BlockingError) Error() string {
	return fmt.Sprintf("ISP blocking detected for %s: %s (%s)", e.Domain, e.Reason, RemediationHint)
}

func (e *BlockingError) Unwrap() error {
	return e.OriginalErr
}

// DiagnoseBlocking checks whether an error is likely caused by ISP
// blocking. Returns the diagnosis if positive, nil otherwise.
func DiagnoseBlocking(err error, requestURL string) *BlockingError {
	if err == nil {
		return nil
	}

	domain := extractDomain(requestURL)
	errStr := strings.ToLower(err.Error())

	// DNS resolution failure is the most common blocking method.
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound || dnsErr.IsTemporary {
			return &BlockingError{
				Domain:      domain,
				Reason:      "DNS resolution failed - domain may be blocked by ISP",
				OriginalErr: err,
			}
		}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Op == "dial" {
			var syscallErr syscall.Errno
			if errors.As(opErr.Err, &syscallErr) {
				switch syscallErr {
				case syscall.ECONNREFUSED:
					return &BlockingError{
						Domain:      domain,
						Reason:      "connection refused - port may be blocked by ISP/firewall",
						OriginalErr: err,
					}
				case syscall.ECONNRESET:
					return &BlockingError{
						Domain:      domain,
						Reason:      "connection reset - ISP may be intercepting traffic",
						OriginalErr: err,
					}
				case syscall.ETIMEDOUT:
					return &BlockingError{
						Domain:      domain,
						Reason:      "connection timed out - ISP may be blocking access",
						OriginalErr: err,
					}
				case syscall.ENETUNREACH:
					return &BlockingError{
						Domain:      domain,
						Reason:      "network unreachable - ISP may be blocking route",
						OriginalErr: err,
					}
				case syscall.EHOSTUNREACH:
					return &BlockingError{
						Domain:      domain,
						Reason:      "host unreachable - ISP may be blocking destination",
						OriginalErr: err,
					}
				}
			}
		}
	}

	// TLS record header corruption points at MITM interception.
	var tlsErr *tls.RecordHeaderError
	if errors.As(err, &tlsErr) {
		return &BlockingError{
			Domain:      domain,
			Reason:      "TLS handshake failed - ISP may be intercepting HTTPS traffic",
			OriginalErr: err,
		}
	}

	blockingPatterns := []struct {
		pattern string
		reason  string
	}{
		{"connection reset by peer", "connection reset - ISP may be intercepting traffic"},
		{"connection refused", "connection refused - port may be blocked"},
		{"no such host", "DNS lookup failed - domain may be blocked by ISP"},
		{"i/o timeout", "connection timed out - ISP may be blocking access"},
		{"network is unreachable", "network unreachable - ISP may be blocking route"},
		{"tls: ", "TLS error - ISP may be intercepting HTTPS traffic"},
		{"certificate", "certificate error - ISP may be using MITM proxy"},
		{"eof", "connection closed unexpectedly - ISP may be blocking"},
	}

	for _, bp := range blockingPatterns {
		if strings.Contains(errStr, bp.pattern) {
			return &BlockingError{
				Domain:      domain,
				Reason:      bp.reason,
				OriginalErr: err,
			}
		}
	}

	return nil
}

// blockingPageIndicators are phrases found on ISP interception pages
// served with 403/451 status codes.
var blockingPageIndicators = []string{
	"blocked", "forbidden", "access denied", "not available in your",
	"restricted", "censored", "unavailable for legal", "blocked by",
}

// scanBodyForBlockingPage reports the matched indicator when a 403/451
// body looks like an ISP interception page.
func scanBodyForBlockingPage(body []byte) (string, bool) {
	bodyStr := strings.ToLower(string(body))
	for _, indicator := range blockingPageIndicators {
		if strings.Contains(bodyStr, indicator) {
			return indicator, true
		}
	}
	return "", false
}

// extractDomain extracts the host from a URL string.
func extractDomain(rawURL string) string {
	if rawURL == "" {
		return "unknown"
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		rawURL = strings.TrimPrefix(rawURL, "https://")
		rawURL = strings.TrimPrefix(rawURL, "http://")
		if idx := strings.Index(rawURL, "/"); idx > 0 {
			return rawURL[:idx]
		}
		return rawURL
	}

	if parsed.Host != "" {
		return parsed.Host
	}
	return "unknown"
}
