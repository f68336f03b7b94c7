package network

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/flacbridge/flacbridge-go/internal/errors"
	"github.com/flacbridge/flacbridge-go/internal/monitoring"
)

const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = 1 * time.Second
)

// RetryPolicy holds configuration for the retry loop.
type RetryPolicy struct {
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryPolicy returns the policy used when the caller supplies
// none.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:    DefaultMaxRetries,
		BaseDelay:     DefaultRetryDelay,
		MaxDelay:      16 * time.Second,
		BackoffFactor: 2.0,
	}
}

// DoWithRetry executes an HTTP request with retry and exponential
// backoff using the client set's policy. 429 responses honor the
// Retry-After header; 5xx responses back off; 403/451 bodies are
// scanned for ISP interception pages; other 4xx responses return
// as-is. Transport errors diagnosed as ISP blocking abort immediately
// since retrying cannot help. Backoff sleeps observe the request
// context.
func (c *Clients) DoWithRetry(client *http.Client, req *http.Request) (*http.Response, error) {
	return c.doWithRetry(client, req, c.policy)
}

// DoWithRetryPolicy is DoWithRetry with a caller-chosen policy.
func (c *Clients) DoWithRetryPolicy(client *http.Client, req *http.Request, policy RetryPolicy) (*http.Response, error) {
	return c.doWithRetry(client, req, policy)
}

func (c *Clients) doWithRetry(client *http.Client, req *http.Request, policy RetryPolicy) (*http.Response, error) {
	var lastErr error
	delay := policy.BaseDelay
	requestURL := req.URL.String()
	ctx := req.Context()

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		// Clone per attempt so the body and headers stay reusable.
		reqCopy := req.Clone(ctx)
		reqCopy.Header.Set("User-Agent", RandomUserAgent())

		resp, err := client.Do(reqCopy)
		if err != nil {
			lastErr = err

			if blockErr := DiagnoseBlocking(err, requestURL); blockErr != nil {
				monitoring.RecordISPBlock()
				c.logger.Error("ISP blocking detected",
					zap.String("domain", blockErr.Domain),
					zap.String("reason", blockErr.Reason),
					zap.Error(err))
				return nil, apperrors.NewBlockedError(blockErr.Error(), err)
			}

			if attempt < policy.MaxRetries {
				c.logger.Warn("request failed, retrying",
					zap.String("url", requestURL),
					zap.Int("attempt", attempt+1),
					zap.Int("max_attempts", policy.MaxRetries+1),
					zap.Duration("delay", delay),
					zap.Error(err))
				monitoring.RecordRetry("transport_error")
				if err := sleepContext(ctx, delay); err != nil {
					return nil, err
				}
				delay = nextDelay(delay, policy)
			}
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			resp.Body.Close()
			if retryAfter := retryAfterDuration(resp); retryAfter > 0 {
				delay = retryAfter
			}
			lastErr = apperrors.NewRateLimitError("rate limited (429)", int(delay/time.Second))
			if attempt < policy.MaxRetries {
				c.logger.Warn("rate limited, waiting before retry",
					zap.String("url", requestURL),
					zap.Duration("delay", delay))
				monitoring.RecordRetry("rate_limit")
				if err := sleepContext(ctx, delay); err != nil {
					return nil, err
				}
				delay = nextDelay(delay, policy)
			}
			continue
		}

		// Some ISPs serve interception pages with 403 or 451.
		if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnavailableForLegalReasons {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()

			if indicator, ok := scanBodyForBlockingPage(body); ok {
				monitoring.RecordISPBlock()
				c.logger.Error("ISP blocking detected via HTTP response",
					zap.Int("status", resp.StatusCode),
					zap.String("domain", req.URL.Host),
					zap.String("indicator", indicator))
				return nil, apperrors.NewBlockedError(
					fmt.Sprintf("ISP blocking detected for %s (HTTP %d) - %s", req.URL.Host, resp.StatusCode, RemediationHint),
					nil)
			}

			// Not a blocking page; hand the caller an equivalent
			// response with the body restored.
			resp.Body = io.NopCloser(strings.NewReader(string(body)))
			return resp, nil
		}

		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("server error: HTTP %d", resp.StatusCode)
			if attempt < policy.MaxRetries {
				c.logger.Warn("server error, retrying",
					zap.String("url", requestURL),
					zap.Int("status", resp.StatusCode),
					zap.Duration("delay", delay))
				monitoring.RecordRetry("server_error")
				if err := sleepContext(ctx, delay); err != nil {
					return nil, err
				}
				delay = nextDelay(delay, policy)
			}
			continue
		}

		// Remaining 4xx codes are not retryable; the caller decides.
		return resp, nil
	}

	return nil, apperrors.NewNetworkError(
		fmt.Sprintf("request failed after %d attempts", policy.MaxRetries+1), lastErr)
}

func nextDelay(current time.Duration, policy RetryPolicy) time.Duration {
	next := time.Duration(float64(current) * policy.BackoffFactor)
	if next > policy.MaxDelay {
		return policy.MaxDelay
	}
	return next
}

// retryAfterDuration parses the Retry-After header as delay seconds or
// an HTTP date. Returns 60 seconds when missing or invalid.
func retryAfterDuration(resp *http.Response) time.Duration {
	retryAfter := resp.Header.Get("Retry-After")
	if retryAfter == "" {
		return 60 * time.Second
	}

	if seconds, err := strconv.Atoi(retryAfter); err == nil {
		return time.Duration(seconds) * time.Second
	}

	if t, err := http.ParseTime(retryAfter); err == nil {
		duration := time.Until(t)
		if duration > 0 {
			return duration
		}
	}

	return 60 * time.Second
}

// sleepContext sleeps for the given duration unless the context is
// cancelled first.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ReadResponseBody reads and returns the response body. Returns an
// error if the body is empty.
func ReadResponseBody(resp *http.Response) ([]byte, error) {
	if resp == nil {
		return nil, fmt.Errorf("response is nil")
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if len(body) == 0 {
		return nil, fmt.Errorf("response body is empty")
	}

	return body, nil
}

// ValidateResponse returns an error unless the status code is 2xx.
func ValidateResponse(resp *http.Response) error {
	if resp == nil {
		return fmt.Errorf("response is nil")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	return nil
}
