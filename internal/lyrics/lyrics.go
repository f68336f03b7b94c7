// Package lyrics fetches synchronized lyrics from LRCLIB.
package lyrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/flacbridge/flacbridge-go/internal/errors"
)

const defaultAPIURL = "https://lrclib.net/api/get"

// Result holds the lyrics variants LRCLIB returned for a track.
type Result struct {
	Synced string // LRC format with timestamps, empty if unavailable
	Plain  string // plain text lyrics, empty if unavailable
}

// Client queries the LRCLIB lyrics API.
type Client struct {
	httpClient *http.Client
	apiURL     string
	logger     *zap.Logger
}

// NewClient creates a lyrics client. A nil httpClient gets a 10 second
// timeout default; a nil logger is replaced with a no-op.
func NewClient(httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		httpClient: httpClient,
		apiURL:     defaultAPIURL,
		logger:     logger,
	}
}

// Fetch retrieves lyrics for a track. A 404 is an empty Result with no
// error: missing lyrics never fail a download. Transient network errors
// are retried once.
func (c *Client) Fetch(ctx context.Context, artist, title, album string, durationSec int) (Result, error) {
	result, err := c.doFetch(ctx, artist, title, album, durationSec)
	if err == nil {
		return result, nil
	}

	// API errors (4xx, 5xx) would fail identically; only retry
	// network-level failures.
	if !isTransient(err) {
		return Result{}, err
	}

	c.logger.Debug("retrying lyrics fetch after transient error",
		zap.String("title", title),
		zap.Error(err))
	select {
	case <-ctx.Done():
		return Result{}, err
	case <-time.After(2 * time.Second):
	}
	return c.doFetch(ctx, artist, title, album, durationSec)
}

func isTransient(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr)
}

func (c *Client) doFetch(ctx context.Context, artist, title, album string, durationSec int) (Result, error) {
	params := url.Values{}
	params.Set("artist_name", artist)
	params.Set("track_name", title)
	if album != "" {
		params.Set("album_name", album)
	}
	if durationSec > 0 {
		params.Set("duration", strconv.Itoa(durationSec))
	}

	reqURL := fmt.Sprintf("%s?%s", c.apiURL, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return Result{}, apperrors.NewValidationError("failed to build lyrics request: " + err.Error())
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, apperrors.NewNetworkError("lyrics request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Result{}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, apperrors.NewNetworkError("lyrics API returned an error", nil).WithStatusCode(resp.StatusCode)
	}

	var apiResp apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return Result{}, apperrors.NewFormatError("failed to decode lyrics response", err)
	}

	return Result{
		Synced: apiResp.SyncedLyrics,
		Plain:  apiResp.PlainLyrics,
	}, nil
}

type apiResponse struct {
	SyncedLyrics string `json:"syncedLyrics"`
	PlainLyrics  string `json:"plainLyrics"`
}

// ToLRC renders a fetched result as an LRC document with title and
// artist headers. Synced lyrics are preferred; plain lyrics are used
// as-is when no timestamps exist. Returns "" when the result is empty.
func ToLRC(result Result, title, artist string) string {
	body := result.Synced
	if body == "" {
		body = result.Plain
	}
	if strings.TrimSpace(body) == "" {
		return ""
	}

	var b strings.Builder
	if title != "" {
		fmt.Fprintf(&b, "[ti:%s]\n", title)
	}
	if artist != "" {
		fmt.Fprintf(&b, "[ar:%s]\n", artist)
	}
	b.WriteString(body)
	if !strings.HasSuffix(body, "\n") {
		b.WriteString("\n")
	}
	return b.String()
}
