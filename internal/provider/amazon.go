package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/flacbridge/flacbridge-go/internal/errors"
	"github.com/flacbridge/flacbridge-go/internal/network"
)

const (
	amazonPollInterval = 3 * time.Second
	amazonPollTimeout  = 300 * time.Second
)

// amazonRelayRegions are the DoubleDouble relay deployments, tried in
// order when submitting a rip job.
var amazonRelayRegions = []string{"us", "eu"}

// amazonJobStatus is one poll response from the relay.
type amazonJobStatus struct {
	Status         string `json:"status"`
	URL            string `json:"url"`
	FriendlyStatus string `json:"friendlyStatus"`
	Current        struct {
		Name   string `json:"name"`
		Artist string `json:"artist"`
	} `json:"current"`
}

// AmazonProvider downloads tracks from Amazon Music through the
// DoubleDouble relay service. The relay takes an Amazon track URL,
// rips the stream server-side and serves back a FLAC; availability is
// gated on the link-relation service exposing an Amazon URL.
type AmazonProvider struct {
	deps Deps
	st   streamer

	relayBases   []string
	pollInterval time.Duration
	pollTimeout  time.Duration
}

// AmazonOption overrides a provider default.
type AmazonOption func(*AmazonProvider)

// WithAmazonRelays replaces the relay base URLs.
func WithAmazonRelays(bases []string) AmazonOption {
	return func(p *AmazonProvider) {
		if len(bases) > 0 {
			p.relayBases = bases
		}
	}
}

// WithAmazonPolling overrides the poll interval and deadline.
func WithAmazonPolling(interval, timeout time.Duration) AmazonOption {
	return func(p *AmazonProvider) {
		if interval > 0 {
			p.pollInterval = interval
		}
		if timeout > 0 {
			p.pollTimeout = timeout
		}
	}
}

// NewAmazonProvider creates an Amazon provider with the default relays.
func NewAmazonProvider(deps Deps, opts ...AmazonOption) *AmazonProvider {
	bases := make([]string, 0, len(amazonRelayRegions))
	for _, region := range amazonRelayRegions {
		bases = append(bases, fmt.Sprintf("https://%s.doubledouble.top", region))
	}
	p := &AmazonProvider{
		deps:         deps,
		st:           streamer{clients: deps.Clients, registry: deps.Registry},
		relayBases:   bases,
		pollInterval: amazonPollInterval,
		pollTimeout:  amazonPollTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name identifies the provider in logs, metrics and history records.
func (p *AmazonProvider) Name() string { return "amazon" }

// submitJob asks a relay to start ripping the given Amazon track URL.
func (p *AmazonProvider) submitJob(ctx context.Context, base, amazonURL string) (string, error) {
	submitURL := fmt.Sprintf("%s/dl?url=%s", base, url.QueryEscape(amazonURL))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, submitURL, nil)
	if err != nil {
		return "", apperrors.NewValidationError("failed to build relay request: " + err.Error())
	}
	req.Header.Set("User-Agent", network.RandomUserAgent())

	resp, err := p.deps.Clients.DoWithRetry(p.deps.Clients.API, req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", apperrors.NewNetworkError(
			fmt.Sprintf("relay submit failed: HTTP %d", resp.StatusCode), nil).WithStatusCode(resp.StatusCode)
	}

	var result struct {
		Success bool   `json:"success"`
		ID      string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", apperrors.NewFormatError("failed to decode relay submit response", err)
	}
	if !result.Success || result.ID == "" {
		return "", apperrors.NewNotFoundError("relay rejected the track URL")
	}
	return result.ID, nil
}

// pollJob waits for a relay job to finish, checking every few seconds
// until the deadline. A "done" status yields the final status payload;
// an "error" status surfaces the relay's friendly message.
func (p *AmazonProvider) pollJob(ctx context.Context, base, jobID string) (*amazonJobStatus, error) {
	pollURL := fmt.Sprintf("%s/dl/%s", base, jobID)
	deadline := time.After(p.pollTimeout)
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, apperrors.NewNetworkError("relay poll canceled", ctx.Err())
		case <-deadline:
			return nil, apperrors.NewNetworkError(
				fmt.Sprintf("relay job timed out after %s", p.pollTimeout), nil)
		case <-ticker.C:
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, pollURL, nil)
		if err != nil {
			return nil, apperrors.NewValidationError("failed to build poll request: " + err.Error())
		}
		req.Header.Set("User-Agent", network.RandomUserAgent())

		resp, err := p.deps.Clients.API.Do(req)
		if err != nil {
			p.deps.logger().Debug("relay poll attempt failed", zap.Error(err))
			continue
		}

		var status amazonJobStatus
		decodeErr := json.NewDecoder(resp.Body).Decode(&status)
		resp.Body.Close()
		if decodeErr != nil {
			p.deps.logger().Debug("relay poll decode failed", zap.Error(decodeErr))
			continue
		}

		switch status.Status {
		case "done":
			return &status, nil
		case "error":
			msg := status.FriendlyStatus
			if msg == "" {
				msg = "relay reported an error"
			}
			return nil, apperrors.NewNotFoundError(msg)
		}
	}
}

// resolveRelayURL turns the relative URL a relay hands back into an
// absolute one on the same relay.
func resolveRelayURL(base, relayURL string) string {
	switch {
	case strings.HasPrefix(relayURL, "./"):
		return base + "/" + relayURL[2:]
	case strings.HasPrefix(relayURL, "/"):
		return base + relayURL
	default:
		return relayURL
	}
}

// Download rips a track from Amazon Music via the relay. The track's
// Amazon URL comes from the link-relation lookup; artist verification
// happens after the rip finishes, against what the relay reports it
// actually ripped.
func (p *AmazonProvider) Download(ctx context.Context, songlink *SonglinkClient, req DownloadRequest) (Result, error) {
	if p.deps.History != nil && req.ISRC != "" {
		if existing, found, err := p.deps.History.FindByISRC(ctx, req.ISRC); err == nil && found {
			return Result{FilePath: ExistsPrefix + existing}, nil
		}
	}

	if req.SourceID == "" || songlink == nil {
		return Result{}, apperrors.NewValidationError("amazon downloads require a source track ID")
	}

	availability, err := songlink.CheckTrackAvailability(ctx, req.SourceID, "")
	if err != nil {
		return Result{}, err
	}
	if !availability.Amazon {
		return Result{}, apperrors.NewNotFoundError("track not available on Amazon Music")
	}

	outputPath := filepath.Join(req.OutputDir, BuildFilename(req.FilenameTemplate, req)+".flac")
	if info, err := os.Stat(outputPath); err == nil && info.Size() > 0 {
		return Result{FilePath: ExistsPrefix + outputPath}, nil
	}

	var status *amazonJobStatus
	var relayBase string
	var lastErr error
	for _, base := range p.relayBases {
		jobID, err := p.submitJob(ctx, base, availability.AmazonURL)
		if err != nil {
			lastErr = err
			p.deps.logger().Debug("relay submit failed",
				zap.String("relay", base), zap.Error(err))
			continue
		}

		st, err := p.pollJob(ctx, base, jobID)
		if err != nil {
			lastErr = err
			p.deps.logger().Debug("relay job failed",
				zap.String("relay", base), zap.Error(err))
			continue
		}

		status = st
		relayBase = base
		break
	}
	if status == nil {
		if lastErr != nil {
			return Result{}, lastErr
		}
		return Result{}, apperrors.NewNetworkError("all relays failed", nil)
	}

	// The relay rips whatever Amazon's page resolves to, so the match
	// can only be checked after the fact.
	if status.Current.Artist != "" && !ArtistsMatch(req.ArtistName, status.Current.Artist) {
		return Result{}, apperrors.NewNotFoundError(fmt.Sprintf(
			"relay ripped a different artist: expected %q, got %q",
			req.ArtistName, status.Current.Artist))
	}

	p.deps.logger().Info("track matched",
		zap.String("provider", p.Name()),
		zap.String("title", status.Current.Name),
		zap.String("artist", status.Current.Artist))

	downloadURL := resolveRelayURL(relayBase, status.URL)

	sideCh := make(chan *sideFetchResult, 1)
	go func() {
		sideCh <- fetchCoverAndLyrics(ctx, p.deps, req)
	}()

	if req.ItemID != "" {
		p.deps.Registry.Start(req.ItemID)
		defer p.deps.Registry.Complete(req.ItemID)
	}

	if err := p.st.streamToFile(ctx, p.deps.Clients.Download, downloadURL, outputPath, req.ItemID); err != nil {
		return Result{}, err
	}

	side := <-sideCh
	finalize(p.deps, req, outputPath, side)

	// The relay doesn't report quality; probe the file itself. A probe
	// failure leaves the fields at zero and is not fatal.
	bitDepth, sampleRate, err := p.deps.Meta.ReadStreamQuality(outputPath)
	if err != nil {
		p.deps.logger().Debug("quality probe failed", zap.Error(err))
	}

	return Result{FilePath: outputPath, BitDepth: bitDepth, SampleRate: sampleRate}, nil
}
