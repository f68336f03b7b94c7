package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	apperrors "github.com/flacbridge/flacbridge-go/internal/errors"
	"github.com/flacbridge/flacbridge-go/internal/network"
)

const (
	songlinkAPIBase  = "https://api.song.link/v1-alpha.1/links?url="
	sourceTrackBase  = "https://open.spotify.com/track/"
	qobuzSearchBase  = "https://www.qobuz.com/api.json/0.2/track/search?query="
	defaultQobuzApp  = "798273057"
	songlinkInterval = 6 * time.Second // song.link allows ~10 requests/minute
)

// TrackAvailability reports where a track can be sourced from.
type TrackAvailability struct {
	SourceID  string `json:"source_id"`
	Tidal     bool   `json:"tidal"`
	Amazon    bool   `json:"amazon"`
	Qobuz     bool   `json:"qobuz"`
	TidalURL  string `json:"tidal_url,omitempty"`
	AmazonURL string `json:"amazon_url,omitempty"`
	QobuzURL  string `json:"qobuz_url,omitempty"`
}

// SonglinkClient resolves a source catalog ID into per-platform track
// links via the song.link relation API. Requests are rate limited
// process-wide through the shared limiter.
type SonglinkClient struct {
	clients *network.Clients
	limiter *rate.Limiter
	logger  *zap.Logger

	apiBase    string
	qobuzBase  string
	qobuzAppID string
	sourceBase string
}

// SonglinkOption overrides a client default.
type SonglinkOption func(*SonglinkClient)

// WithSonglinkEndpoints replaces the relation API base and the Qobuz
// probe base. Empty values keep the defaults.
func WithSonglinkEndpoints(apiBase, qobuzBase string) SonglinkOption {
	return func(s *SonglinkClient) {
		if apiBase != "" {
			s.apiBase = apiBase
		}
		if qobuzBase != "" {
			s.qobuzBase = qobuzBase
		}
	}
}

// WithSonglinkInterval changes the minimum spacing between requests.
func WithSonglinkInterval(interval time.Duration) SonglinkOption {
	return func(s *SonglinkClient) {
		if interval > 0 {
			s.limiter = rate.NewLimiter(rate.Every(interval), 1)
		}
	}
}

// NewSonglinkClient creates a song.link client.
func NewSonglinkClient(clients *network.Clients, logger *zap.Logger, opts ...SonglinkOption) *SonglinkClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &SonglinkClient{
		clients:    clients,
		limiter:    rate.NewLimiter(rate.Every(songlinkInterval), 1),
		logger:     logger,
		apiBase:    songlinkAPIBase,
		qobuzBase:  qobuzSearchBase,
		qobuzAppID: defaultQobuzApp,
		sourceBase: sourceTrackBase,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CheckTrackAvailability looks up platform links for a source track ID.
// Qobuz has no song.link entry, so its availability is probed with a
// direct catalog search on the ISRC when one is provided.
func (s *SonglinkClient) CheckTrackAvailability(ctx context.Context, sourceID, isrc string) (*TrackAvailability, error) {
	if sourceID == "" {
		return nil, apperrors.NewValidationError("source track ID cannot be empty")
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, apperrors.NewNetworkError("availability lookup canceled while rate limited", err)
	}

	sourceURL := s.sourceBase + sourceID
	apiURL := s.apiBase + url.QueryEscape(sourceURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, apperrors.NewValidationError("failed to build availability request: " + err.Error())
	}

	resp, err := s.clients.DoWithRetry(s.clients.Songlink, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.NewNetworkError(
			fmt.Sprintf("availability API returned status %d", resp.StatusCode), nil).WithStatusCode(resp.StatusCode)
	}

	var linkResp struct {
		LinksByPlatform map[string]struct {
			URL string `json:"url"`
		} `json:"linksByPlatform"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&linkResp); err != nil {
		return nil, apperrors.NewFormatError("failed to decode availability response", err)
	}

	// Only HTTPS platform links are accepted; a plain-HTTP link from
	// the relation API would downgrade the whole download path.
	availability := &TrackAvailability{SourceID: sourceID}
	if link, ok := linkResp.LinksByPlatform["tidal"]; ok && isHTTPS(link.URL) {
		availability.Tidal = true
		availability.TidalURL = link.URL
	}
	if link, ok := linkResp.LinksByPlatform["amazonMusic"]; ok && isHTTPS(link.URL) {
		availability.Amazon = true
		availability.AmazonURL = link.URL
	}
	if isrc != "" {
		availability.Qobuz = s.checkQobuzAvailability(ctx, isrc)
	}

	s.logger.Debug("track availability resolved",
		zap.String("source_id", sourceID),
		zap.Bool("tidal", availability.Tidal),
		zap.Bool("amazon", availability.Amazon),
		zap.Bool("qobuz", availability.Qobuz))
	return availability, nil
}

func isHTTPS(rawURL string) bool {
	u, err := url.Parse(rawURL)
	return err == nil && u.Scheme == "https" && u.Host != ""
}

func (s *SonglinkClient) checkQobuzAvailability(ctx context.Context, isrc string) bool {
	searchURL := fmt.Sprintf("%s%s&limit=1&app_id=%s", s.qobuzBase, url.QueryEscape(isrc), s.qobuzAppID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return false
	}
	req.Header.Set("User-Agent", network.RandomUserAgent())

	resp, err := s.clients.API.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false
	}

	var searchResp struct {
		Tracks struct {
			Total int `json:"total"`
		} `json:"tracks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&searchResp); err != nil {
		return false
	}
	return searchResp.Tracks.Total > 0
}
