package network

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	utls "github.com/refraction-networking/utls"
	"go.uber.org/zap"
	"golang.org/x/net/http2"

	apperrors "github.com/flacbridge/flacbridge-go/internal/errors"
)

// fingerprintTransport mimics Chrome's TLS fingerprint for hosts that
// fingerprint Go's default ClientHello. ALPN picks HTTP/2 when the
// server offers it, otherwise the request runs over a single-use
// HTTP/1.1 transport bound to the established connection.
type fingerprintTransport struct {
	dialer   *net.Dialer
	fallback http.RoundTripper
	mu       sync.Mutex
}

func newFingerprintTransport(fallback http.RoundTripper) *fingerprintTransport {
	return &fingerprintTransport{
		dialer: &net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		},
		fallback: fallback,
	}
}

func (t *fingerprintTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Scheme != "https" {
		return t.fallback.RoundTrip(req)
	}

	host := req.URL.Hostname()
	addr := net.JoinHostPort(host, portFor(req.URL))

	conn, err := t.dialer.DialContext(req.Context(), "tcp", addr)
	if err != nil {
		return nil, err
	}

	tlsConn := utls.UClient(conn, &utls.Config{
		ServerName: host,
		NextProtos: []string{"h2", "http/1.1"},
	}, utls.HelloChrome_Auto)

	if err := tlsConn.Handshake(); err != nil {
		conn.Close()
		return nil, err
	}

	if tlsConn.ConnectionState().NegotiatedProtocol == "h2" {
		h2Transport := &http2.Transport{
			DialTLSContext: func(ctx context.Context, network, addr string, cfg *tls.Config) (net.Conn, error) {
				return tlsConn, nil
			},
			AllowHTTP:          false,
			DisableCompression: false,
		}
		return h2Transport.RoundTrip(req)
	}

	transport := &http.Transport{
		DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return tlsConn, nil
		},
		DisableKeepAlives: true,
	}

	return transport.RoundTrip(req)
}

func portFor(u *url.URL) string {
	if u.Port() != "" {
		return u.Port()
	}
	if u.Scheme == "https" {
		return "443"
	}
	return "80"
}

// challengeMarkers are phrases on anti-bot challenge pages served with
// 403/503 when the TLS fingerprint is rejected.
var challengeMarkers = []string{
	"cloudflare", "cf-ray", "checking your browser",
	"please wait", "ddos protection", "ray id",
	"enable javascript", "challenge-platform",
}

// DoWithFingerprintBypass attempts the request through the retrying
// API client first and switches to the Chrome-fingerprint client when
// the response is a challenge page or the failure looks TLS-related.
// Errors diagnosed as ISP blocking are returned as-is: a different
// ClientHello cannot help there.
func (c *Clients) DoWithFingerprintBypass(req *http.Request) (*http.Response, error) {
	resp, err := c.DoWithRetry(c.API, req)
	if err == nil {
		if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusServiceUnavailable {
			body, readErr := io.ReadAll(resp.Body)
			resp.Body.Close()

			if readErr == nil && isChallengePage(body) {
				c.logger.Debug("challenge page detected, retrying with Chrome TLS fingerprint",
					zap.String("url", req.URL.String()),
					zap.Int("status", resp.StatusCode))

				reqCopy := req.Clone(req.Context())
				reqCopy.Header.Set("User-Agent", RandomUserAgent())
				return c.Bypass.Do(reqCopy)
			}

			resp.Body = io.NopCloser(strings.NewReader(string(body)))
			return resp, nil
		}
		return resp, nil
	}

	if apperrors.IsBlocked(err) {
		return nil, err
	}

	errStr := strings.ToLower(err.Error())
	tlsRelated := strings.Contains(errStr, "tls") ||
		strings.Contains(errStr, "handshake") ||
		strings.Contains(errStr, "certificate") ||
		strings.Contains(errStr, "connection reset")

	if tlsRelated {
		c.logger.Debug("TLS error, retrying with Chrome TLS fingerprint",
			zap.String("url", req.URL.String()),
			zap.Error(err))

		reqCopy := req.Clone(req.Context())
		reqCopy.Header.Set("User-Agent", RandomUserAgent())
		return c.Bypass.Do(reqCopy)
	}

	return nil, err
}

func isChallengePage(body []byte) bool {
	bodyStr := strings.ToLower(string(body))
	for _, marker := range challengeMarkers {
		if strings.Contains(bodyStr, marker) {
			return true
		}
	}
	return false
}
