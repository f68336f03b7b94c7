package network

import (
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultAPITimeout      = 60 * time.Second
	DefaultDownloadTimeout = 120 * time.Second
	DefaultSonglinkTimeout = 30 * time.Second
)

// Config holds the settings for the HTTP client set.
type Config struct {
	APITimeout      time.Duration
	DownloadTimeout time.Duration
	SonglinkTimeout time.Duration
	MaxRetries      int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
}

// DefaultConfig returns the client settings used when the caller
// supplies none.
func DefaultConfig() Config {
	return Config{
		APITimeout:      DefaultAPITimeout,
		DownloadTimeout: DefaultDownloadTimeout,
		SonglinkTimeout: DefaultSonglinkTimeout,
		MaxRetries:      DefaultMaxRetries,
		BaseDelay:       DefaultRetryDelay,
		MaxDelay:        16 * time.Second,
	}
}

// Clients bundles the pooled HTTP clients shared across the
// application. Construct once and pass by reference; there are no
// package-level client singletons.
type Clients struct {
	transport *http.Transport

	// API serves catalog/search requests.
	API *http.Client
	// Download serves audio streaming with a longer timeout.
	Download *http.Client
	// Songlink serves link-resolution requests.
	Songlink *http.Client
	// Bypass carries a Chrome TLS fingerprint for hosts that reject
	// Go's default ClientHello.
	Bypass *http.Client

	policy RetryPolicy
	logger *zap.Logger
}

// NewClients builds the shared transport and the per-purpose clients.
func NewClients(cfg Config, logger *zap.Logger) *Clients {
	if cfg.APITimeout <= 0 {
		cfg.APITimeout = DefaultAPITimeout
	}
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = DefaultDownloadTimeout
	}
	if cfg.SonglinkTimeout <= 0 {
		cfg.SonglinkTimeout = DefaultSonglinkTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	// Pooled transport shared by all plain clients. Compression stays
	// off: the large payloads are already-compressed audio.
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		MaxConnsPerHost:       20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
		WriteBufferSize:       64 * 1024,
		ReadBufferSize:        64 * 1024,
		DisableCompression:    true,
	}

	policy := RetryPolicy{
		MaxRetries:    cfg.MaxRetries,
		BaseDelay:     cfg.BaseDelay,
		MaxDelay:      cfg.MaxDelay,
		BackoffFactor: 2.0,
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = DefaultRetryDelay
	}
	if policy.MaxDelay < policy.BaseDelay {
		policy.MaxDelay = 16 * time.Second
	}

	return &Clients{
		transport: transport,
		API:       &http.Client{Transport: transport, Timeout: cfg.APITimeout},
		Download:  &http.Client{Transport: transport, Timeout: cfg.DownloadTimeout},
		Songlink:  &http.Client{Transport: transport, Timeout: cfg.SonglinkTimeout},
		Bypass:    &http.Client{Transport: newFingerprintTransport(transport), Timeout: cfg.APITimeout},
		policy:    policy,
		logger:    logger,
	}
}

// Policy returns the retry policy the client set was built with.
func (c *Clients) Policy() RetryPolicy {
	return c.policy
}

// WithTimeout returns a client over the shared transport with a
// caller-chosen timeout.
func (c *Clients) WithTimeout(timeout time.Duration) *http.Client {
	return &http.Client{Transport: c.transport, Timeout: timeout}
}

// CloseIdleConnections closes idle connections in the shared transport.
func (c *Clients) CloseIdleConnections() {
	c.transport.CloseIdleConnections()
}
