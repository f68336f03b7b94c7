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

	"go.uber.org/zap"

	apperrors "github.com/flacbridge/flacbridge-go/internal/errors"
	"github.com/flacbridge/flacbridge-go/internal/monitoring"
	"github.com/flacbridge/flacbridge-go/internal/network"
)

var qobuzMirrorAPIs = []string{
	"aHR0cHM6Ly9kYWIueWVldC5zdS9hcGkvc3RyZWFtP3RyYWNrSWQ9",
	"aHR0cHM6Ly9kYWJtdXNpYy54eXovYXBpL3N0cmVhbT90cmFja0lkPQ==",
}

// QobuzTrack is a track in Qobuz's catalog.
type QobuzTrack struct {
	ID                  int64   `json:"id"`
	Title               string  `json:"title"`
	ISRC                string  `json:"isrc"`
	Duration            int     `json:"duration"`
	TrackNumber         int     `json:"track_number"`
	MaximumBitDepth     int     `json:"maximum_bit_depth"`
	MaximumSamplingRate float64 `json:"maximum_sampling_rate"`
	Album               struct {
		Title               string `json:"title"`
		ReleaseDateOriginal string `json:"release_date_original"`
		Image               struct {
			Large string `json:"large"`
		} `json:"image"`
	} `json:"album"`
	Performer struct {
		Name string `json:"name"`
	} `json:"performer"`
}

// QobuzProvider resolves and downloads tracks from Qobuz. Search goes
// through the public catalog API; stream URLs come from mirror relays
// tried in order.
type QobuzProvider struct {
	deps Deps
	st   streamer

	appID      string
	searchBase string
	mirrors    []string
}

// QobuzOption overrides a provider default.
type QobuzOption func(*QobuzProvider)

// WithQobuzEndpoints replaces the search base and mirror list. Empty
// values keep the defaults.
func WithQobuzEndpoints(searchBase string, mirrors []string) QobuzOption {
	return func(p *QobuzProvider) {
		if searchBase != "" {
			p.searchBase = searchBase
		}
		if len(mirrors) > 0 {
			p.mirrors = mirrors
		}
	}
}

// NewQobuzProvider creates a Qobuz provider with the default endpoints.
func NewQobuzProvider(deps Deps, opts ...QobuzOption) *QobuzProvider {
	p := &QobuzProvider{
		deps:       deps,
		st:         streamer{clients: deps.Clients, registry: deps.Registry},
		appID:      defaultQobuzApp,
		searchBase: qobuzSearchBase,
		mirrors:    decodeMirrors(qobuzMirrorAPIs),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func decodeMirrors(encoded []string) []string {
	mirrors := make([]string, 0, len(encoded))
	for _, e := range encoded {
		decoded := decodeString(e)
		if decoded != "" {
			mirrors = append(mirrors, decoded)
		}
	}
	return mirrors
}

// Name identifies the provider in logs, metrics and history records.
func (p *QobuzProvider) Name() string { return "qobuz" }

func (p *QobuzProvider) searchTracks(ctx context.Context, query string, limit int) ([]QobuzTrack, error) {
	searchURL := fmt.Sprintf("%s%s&limit=%d&app_id=%s",
		p.searchBase, url.QueryEscape(query), limit, p.appID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return nil, apperrors.NewValidationError("failed to build search request: " + err.Error())
	}
	req.Header.Set("User-Agent", network.RandomUserAgent())

	resp, err := p.deps.Clients.DoWithRetry(p.deps.Clients.API, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.NewNetworkError(
			fmt.Sprintf("search failed: HTTP %d", resp.StatusCode), nil).WithStatusCode(resp.StatusCode)
	}

	var result struct {
		Tracks struct {
			Items []QobuzTrack `json:"items"`
		} `json:"tracks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, apperrors.NewFormatError("failed to decode search response", err)
	}
	return result.Tracks.Items, nil
}

// SearchByISRC finds the track whose ISRC matches exactly.
func (p *QobuzProvider) SearchByISRC(ctx context.Context, isrc string) (*QobuzTrack, error) {
	items, err := p.searchTracks(ctx, isrc, 50)
	if err != nil {
		return nil, err
	}
	for i := range items {
		if items[i].ISRC == isrc {
			return &items[i], nil
		}
	}
	return nil, apperrors.NewNotFoundError("no exact ISRC match found for: " + isrc)
}

// searchVerified mirrors the Tidal match gates: an ISRC hit outside the
// wide duration tolerance is a hard reject, and metadata-only matches
// within the narrow tolerance prefer the highest bit depth.
func (p *QobuzProvider) searchVerified(ctx context.Context, trackName, artistName, isrc string, expectedDurationSec int) (*QobuzTrack, error) {
	queries := make([]string, 0, 2)
	if artistName != "" && trackName != "" {
		queries = append(queries, artistName+" "+trackName)
	}
	if trackName != "" {
		queries = append(queries, trackName)
	}

	var allTracks []QobuzTrack
	seen := make(map[string]bool)
	for _, query := range queries {
		query = strings.TrimSpace(query)
		if query == "" || seen[query] {
			continue
		}
		seen[query] = true

		items, err := p.searchTracks(ctx, query, 50)
		if err != nil {
			if apperrors.IsBlocked(err) {
				return nil, err
			}
			p.deps.logger().Debug("qobuz search query failed",
				zap.String("query", query), zap.Error(err))
			continue
		}
		allTracks = append(allTracks, items...)
	}

	if len(allTracks) == 0 {
		return nil, apperrors.NewNotFoundError("no tracks found for any search query")
	}

	if isrc != "" {
		var isrcMatches []*QobuzTrack
		for i := range allTracks {
			if allTracks[i].ISRC == isrc {
				isrcMatches = append(isrcMatches, &allTracks[i])
			}
		}
		if len(isrcMatches) == 0 {
			return nil, apperrors.NewNotFoundError("no track found with ISRC " + isrc)
		}

		if expectedDurationSec > 0 {
			for _, track := range isrcMatches {
				if absInt(track.Duration-expectedDurationSec) <= durationToleranceWide {
					return track, nil
				}
			}
			return nil, durationMismatchError(expectedDurationSec, isrcMatches[0].Duration)
		}
		return isrcMatches[0], nil
	}

	// Metadata-only path: gate on title equivalence before the duration
	// and bit-depth preferences.
	candidates := allTracks
	if trackName != "" {
		var titled []QobuzTrack
		for i := range allTracks {
			if TitleMatches(trackName, allTracks[i].Title) {
				titled = append(titled, allTracks[i])
			}
		}
		if len(titled) > 0 {
			candidates = titled
		}
	}

	if expectedDurationSec > 0 {
		var durationMatches []*QobuzTrack
		for i := range candidates {
			if absInt(candidates[i].Duration-expectedDurationSec) <= durationToleranceNarrow {
				durationMatches = append(durationMatches, &candidates[i])
			}
		}
		if len(durationMatches) > 0 {
			best := durationMatches[0]
			for _, track := range durationMatches {
				if track.MaximumBitDepth >= 24 {
					best = track
					break
				}
			}
			return best, nil
		}
	}

	return &candidates[0], nil
}

// qualityParam maps a quality tier to the mirror API's numeric code.
func qualityParam(quality string) string {
	switch quality {
	case QualityLossless:
		return "6"
	case QualityHiRes:
		return "7"
	case QualityHiResLossless:
		return "27"
	default:
		return "27"
	}
}

// streamURL asks the mirror relays for a direct stream URL. Relays may
// answer with an HTML error page or a JSON error payload; both count as
// that mirror failing.
func (p *QobuzProvider) streamURL(ctx context.Context, trackID int64, quality string) (string, error) {
	if len(p.mirrors) == 0 {
		return "", apperrors.NewValidationError("no mirror APIs configured")
	}

	var failures []string
	for _, mirror := range p.mirrors {
		reqURL := fmt.Sprintf("%s%d&quality=%s", mirror, trackID, qualityParam(quality))

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", mirror, err))
			continue
		}
		// Mirror hosts sit behind fingerprint-sensitive fronting, so
		// challenge responses fall back to the Chrome TLS client.
		resp, err := p.deps.Clients.DoWithFingerprintBypass(req)
		if err != nil {
			if apperrors.IsBlocked(err) {
				return "", err
			}
			failures = append(failures, fmt.Sprintf("%s: %v", mirror, err))
			continue
		}

		body, err := network.ReadResponseBody(resp)
		resp.Body.Close()
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", mirror, err))
			continue
		}

		if len(body) > 0 && body[0] == '<' {
			failures = append(failures, mirror+": returned HTML error page")
			continue
		}

		var errResp struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
			failures = append(failures, fmt.Sprintf("%s: %s", mirror, errResp.Error))
			continue
		}

		var urlResp struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(body, &urlResp); err == nil && urlResp.URL != "" {
			return urlResp.URL, nil
		}

		failures = append(failures, mirror+": no stream URL in response")
	}

	return "", apperrors.NewNetworkError(
		fmt.Sprintf("all %d mirrors failed: %s", len(p.mirrors), strings.Join(failures, "; ")), nil)
}

// Download resolves a track on Qobuz and streams it to disk.
func (p *QobuzProvider) Download(ctx context.Context, req DownloadRequest) (Result, error) {
	if p.deps.History != nil && req.ISRC != "" {
		if existing, found, err := p.deps.History.FindByISRC(ctx, req.ISRC); err == nil && found {
			return Result{FilePath: ExistsPrefix + existing}, nil
		}
	}

	expectedDurationSec := req.DurationMS / 1000

	var track *QobuzTrack

	if req.ISRC != "" {
		if cached := p.deps.Cache.Get(req.ISRC); cached != nil && cached.QobuzTrackID > 0 {
			monitoring.RecordCacheHit(p.Name())
			t, err := p.trackByISRCAndID(ctx, req.ISRC, cached.QobuzTrackID)
			if err != nil {
				p.deps.logger().Warn("cached track ID lookup failed", zap.Error(err))
			} else {
				track = t
			}
		} else {
			monitoring.RecordCacheMiss(p.Name())
		}
	}

	if track == nil {
		t, err := p.searchVerified(ctx, req.TrackName, req.ArtistName, req.ISRC, expectedDurationSec)
		if err != nil {
			return Result{}, err
		}
		if !ArtistsMatch(req.ArtistName, t.Performer.Name) {
			p.deps.logger().Info("rejecting candidate on artist mismatch",
				zap.String("expected", req.ArtistName),
				zap.String("found", t.Performer.Name))
			return Result{}, apperrors.NewNotFoundError("could not find matching track (artist mismatch)")
		}
		track = t
	}

	p.deps.logger().Info("track matched",
		zap.String("provider", p.Name()),
		zap.String("title", track.Title),
		zap.String("artist", track.Performer.Name),
		zap.Int("duration_sec", track.Duration))

	if req.ISRC != "" {
		p.deps.Cache.SetQobuz(req.ISRC, track.ID)
	}

	outputPath := filepath.Join(req.OutputDir, BuildFilename(req.FilenameTemplate, req)+".flac")
	if info, err := os.Stat(outputPath); err == nil && info.Size() > 0 {
		return Result{FilePath: ExistsPrefix + outputPath}, nil
	}

	quality := req.Quality
	if quality == "" {
		quality = QualityHiResLossless
	}

	downloadURL, err := p.streamURL(ctx, track.ID, quality)
	if err != nil {
		return Result{}, err
	}

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

	return Result{
		FilePath:   outputPath,
		BitDepth:   track.MaximumBitDepth,
		SampleRate: int(track.MaximumSamplingRate * 1000),
	}, nil
}

// trackByISRCAndID re-fetches a cached track through search, keeping
// only the entry whose ID still matches. Qobuz has no cheap by-ID
// lookup on the public API.
func (p *QobuzProvider) trackByISRCAndID(ctx context.Context, isrc string, trackID int64) (*QobuzTrack, error) {
	items, err := p.searchTracks(ctx, isrc, 50)
	if err != nil {
		return nil, err
	}
	for i := range items {
		if items[i].ID == trackID {
			return &items[i], nil
		}
	}
	return nil, apperrors.NewNotFoundError("cached track ID no longer resolvable")
}
