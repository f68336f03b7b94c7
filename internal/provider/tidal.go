package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/flacbridge/flacbridge-go/internal/errors"
	"github.com/flacbridge/flacbridge-go/internal/monitoring"
	"github.com/flacbridge/flacbridge-go/internal/network"
)

// Duration tolerances for match verification, in seconds. The wide gate
// applies to ISRC-verified matches, the narrow one to metadata-only
// matches where the duration is the primary signal.
const (
	durationToleranceWide   = 30
	durationToleranceNarrow = 3
)

const hiResTag = "HIRES_LOSSLESS"

// Endpoint hostnames ship base64-encoded so the binary doesn't expose
// them to casual string scans.
var tidalMirrorHosts = []string{
	"dm9nZWwucXFkbC5zaXRl",
	"bWF1cy5xcWRsLnNpdGU=",
	"aHVuZC5xcWRsLnNpdGU=",
	"a2F0emUucXFkbC5zaXRl",
	"d29sZi5xcWRsLnNpdGU=",
	"dGlkYWwua2lub3BsdXMub25saW5l",
	"dGlkYWwtYXBpLmJpbmltdW0ub3Jn",
	"dHJpdG9uLnNxdWlkLnd0Zg==",
}

func decodeHosts(encoded []string) []string {
	var hosts []string
	for _, e := range encoded {
		decoded, err := base64.StdEncoding.DecodeString(e)
		if err != nil {
			continue
		}
		hosts = append(hosts, "https://"+string(decoded))
	}
	return hosts
}

func decodeString(encoded string) string {
	decoded, _ := base64.StdEncoding.DecodeString(encoded)
	return string(decoded)
}

// TidalTrack is a track in Tidal's catalog.
type TidalTrack struct {
	ID           int64  `json:"id"`
	Title        string `json:"title"`
	ISRC         string `json:"isrc"`
	AudioQuality string `json:"audioQuality"`
	TrackNumber  int    `json:"trackNumber"`
	VolumeNumber int    `json:"volumeNumber"`
	Duration     int    `json:"duration"`
	Album        struct {
		Title       string `json:"title"`
		Cover       string `json:"cover"`
		ReleaseDate string `json:"releaseDate"`
	} `json:"album"`
	Artists []struct {
		Name string `json:"name"`
	} `json:"artists"`
	Artist struct {
		Name string `json:"name"`
	} `json:"artist"`
	MediaMetadata struct {
		Tags []string `json:"tags"`
	} `json:"mediaMetadata"`
}

// ArtistCredit joins the full artist list, falling back to the primary
// artist field.
func (t *TidalTrack) ArtistCredit() string {
	if len(t.Artists) > 0 {
		names := make([]string, 0, len(t.Artists))
		for _, a := range t.Artists {
			names = append(names, a.Name)
		}
		return strings.Join(names, ", ")
	}
	return t.Artist.Name
}

// tidalStreamInfo is a resolved download location with quality info.
// URL carries a "MANIFEST:" prefix when the mirror returned a manifest
// instead of a direct file URL.
type tidalStreamInfo struct {
	URL        string
	BitDepth   int
	SampleRate int
}

const manifestURLPrefix = "MANIFEST:"

// TidalProvider resolves and downloads tracks from Tidal. The official
// catalog API serves search and track lookups; a set of mirror APIs
// serves the actual stream URLs, tried sequentially.
type TidalProvider struct {
	deps Deps
	st   streamer

	clientID     string
	clientSecret string
	authURL      string
	apiBase      string
	mirrors      []string

	tokenMu        sync.Mutex
	cachedToken    string
	tokenExpiresAt time.Time
	now            func() time.Time
}

// TidalOption overrides a provider default.
type TidalOption func(*TidalProvider)

// WithTidalEndpoints replaces the auth URL, catalog API base and
// mirror list. Empty values keep the defaults.
func WithTidalEndpoints(authURL, apiBase string, mirrors []string) TidalOption {
	return func(p *TidalProvider) {
		if authURL != "" {
			p.authURL = authURL
		}
		if apiBase != "" {
			p.apiBase = apiBase
		}
		if len(mirrors) > 0 {
			p.mirrors = mirrors
		}
	}
}

// NewTidalProvider creates a Tidal provider with the default endpoints.
func NewTidalProvider(deps Deps, opts ...TidalOption) *TidalProvider {
	p := &TidalProvider{
		deps:         deps,
		st:           streamer{clients: deps.Clients, registry: deps.Registry},
		clientID:     decodeString("NkJEU1JkcEs5aHFFQlRnVQ=="),
		clientSecret: decodeString("eGV1UG1ZN25icFo5SUliTEFjUTkzc2hrYTFWTmhlVUFxTjZJY3N6alRHOD0="),
		authURL:      decodeString("aHR0cHM6Ly9hdXRoLnRpZGFsLmNvbS92MS9vYXV0aDIvdG9rZW4="),
		apiBase:      decodeString("aHR0cHM6Ly9hcGkudGlkYWwuY29t") + "/v1",
		mirrors:      decodeHosts(tidalMirrorHosts),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name identifies the provider in logs, metrics and history records.
func (p *TidalProvider) Name() string { return "tidal" }

// accessToken returns a cached client-credentials token, refreshing it
// when less than a minute of validity remains.
func (p *TidalProvider) accessToken(ctx context.Context) (string, error) {
	p.tokenMu.Lock()
	defer p.tokenMu.Unlock()

	if p.cachedToken != "" && p.now().Add(60*time.Second).Before(p.tokenExpiresAt) {
		return p.cachedToken, nil
	}

	form := url.Values{}
	form.Set("client_id", p.clientID)
	form.Set("grant_type", "client_credentials")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.authURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", apperrors.NewValidationError("failed to build token request: " + err.Error())
	}
	req.SetBasicAuth(p.clientID, p.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.deps.Clients.DoWithRetry(p.deps.Clients.API, req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", apperrors.NewNetworkError(
			fmt.Sprintf("token request failed: HTTP %d", resp.StatusCode), nil).WithStatusCode(resp.StatusCode)
	}

	var result struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", apperrors.NewFormatError("failed to decode token response", err)
	}

	p.cachedToken = result.AccessToken
	if result.ExpiresIn > 0 {
		p.tokenExpiresAt = p.now().Add(time.Duration(result.ExpiresIn) * time.Second)
	} else {
		p.tokenExpiresAt = p.now().Add(55 * time.Minute)
	}
	return p.cachedToken, nil
}

func (p *TidalProvider) apiGet(ctx context.Context, requestURL string, out interface{}) error {
	token, err := p.accessToken(ctx)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return apperrors.NewValidationError("failed to build catalog request: " + err.Error())
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.deps.Clients.DoWithRetry(p.deps.Clients.API, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apperrors.NewNetworkError(
			fmt.Sprintf("catalog request failed: HTTP %d", resp.StatusCode), nil).WithStatusCode(resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.NewFormatError("failed to decode catalog response", err)
	}
	return nil
}

// TrackByID fetches full track info for a known Tidal track ID.
func (p *TidalProvider) TrackByID(ctx context.Context, trackID int64) (*TidalTrack, error) {
	var track TidalTrack
	requestURL := fmt.Sprintf("%s/tracks/%d?countryCode=US", p.apiBase, trackID)
	if err := p.apiGet(ctx, requestURL, &track); err != nil {
		return nil, err
	}
	return &track, nil
}

func (p *TidalProvider) searchTracks(ctx context.Context, query string, limit int) ([]TidalTrack, error) {
	var result struct {
		Items []TidalTrack `json:"items"`
	}
	requestURL := fmt.Sprintf("%s/search/tracks?query=%s&limit=%d&countryCode=US",
		p.apiBase, url.QueryEscape(query), limit)
	if err := p.apiGet(ctx, requestURL, &result); err != nil {
		return nil, err
	}
	return result.Items, nil
}

// SearchByISRC finds the track whose ISRC matches exactly. Used by the
// cache pre-warmer, which needs an ID but no further verification.
func (p *TidalProvider) SearchByISRC(ctx context.Context, isrc string) (*TidalTrack, error) {
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

// searchVerified runs the multi-strategy search and applies the match
// gates. With an ISRC, candidates matching it must also sit within the
// wide duration tolerance; an ISRC hit outside it is rejected outright
// as a different edit, with no fallthrough to weaker strategies.
func (p *TidalProvider) searchVerified(ctx context.Context, trackName, artistName, isrc string, expectedDurationSec int) (*TidalTrack, error) {
	queries := make([]string, 0, 3)
	if artistName != "" && trackName != "" {
		queries = append(queries, artistName+" "+trackName)
	}
	if trackName != "" {
		queries = append(queries, trackName)
	}
	if artistName != "" {
		queries = append(queries, artistName)
	}

	var allTracks []TidalTrack
	seen := make(map[string]bool)
	for _, query := range queries {
		query = strings.TrimSpace(query)
		if query == "" || seen[query] {
			continue
		}
		seen[query] = true

		items, err := p.searchTracks(ctx, query, 100)
		if err != nil {
			if apperrors.IsBlocked(err) {
				return nil, err
			}
			p.deps.logger().Debug("tidal search query failed",
				zap.String("query", query), zap.Error(err))
			continue
		}
		allTracks = append(allTracks, items...)
	}

	if len(allTracks) == 0 {
		return nil, apperrors.NewNotFoundError("no tracks found for any search query")
	}

	if isrc != "" {
		var isrcMatches []*TidalTrack
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
			// The ISRC exists but every copy has the wrong length:
			// likely a different version or edit. Hard reject.
			return nil, durationMismatchError(expectedDurationSec, isrcMatches[0].Duration)
		}
		return isrcMatches[0], nil
	}

	// Metadata-only path: gate on title equivalence first, so a search
	// that surfaces remixes and covers ahead of the requested track
	// still picks the right one.
	candidates := allTracks
	if trackName != "" {
		var titled []TidalTrack
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
		var durationMatches []*TidalTrack
		for i := range candidates {
			if absInt(candidates[i].Duration-expectedDurationSec) <= durationToleranceNarrow {
				durationMatches = append(durationMatches, &candidates[i])
			}
		}
		if len(durationMatches) > 0 {
			best := durationMatches[0]
			for _, track := range durationMatches {
				if hasTag(track, hiResTag) {
					best = track
					break
				}
			}
			return best, nil
		}
	}

	best := &candidates[0]
	for i := range candidates {
		if hasTag(&candidates[i], hiResTag) {
			best = &candidates[i]
			break
		}
	}
	return best, nil
}

func hasTag(track *TidalTrack, tag string) bool {
	for _, t := range track.MediaMetadata.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// trackFromLink resolves a track through the link-relation service and
// verifies artist and duration before accepting it.
func (p *TidalProvider) trackFromLink(ctx context.Context, songlink *SonglinkClient, req DownloadRequest, expectedDurationSec int) *TidalTrack {
	availability, err := songlink.CheckTrackAvailability(ctx, req.SourceID, "")
	if err != nil || !availability.Tidal {
		return nil
	}

	trackID, err := trackIDFromURL(availability.TidalURL)
	if err != nil {
		return nil
	}
	track, err := p.TrackByID(ctx, trackID)
	if err != nil {
		return nil
	}

	if !ArtistsMatch(req.ArtistName, track.ArtistCredit()) {
		p.deps.logger().Info("rejecting link-resolved track on artist mismatch",
			zap.String("expected", req.ArtistName),
			zap.String("found", track.ArtistCredit()))
		return nil
	}
	if expectedDurationSec > 0 && absInt(track.Duration-expectedDurationSec) > durationToleranceWide {
		p.deps.logger().Info("rejecting link-resolved track on duration mismatch",
			zap.Int("expected_sec", expectedDurationSec),
			zap.Int("found_sec", track.Duration))
		return nil
	}
	return track
}

// trackIDFromURL extracts the numeric track ID from a Tidal track URL.
func trackIDFromURL(tidalURL string) (int64, error) {
	parts := strings.Split(tidalURL, "/track/")
	if len(parts) < 2 {
		return 0, apperrors.NewValidationError("invalid tidal URL format")
	}
	idStr := strings.TrimSpace(strings.Split(parts[1], "?")[0])

	var trackID int64
	if _, err := fmt.Sscanf(idStr, "%d", &trackID); err != nil {
		return 0, apperrors.NewValidationError("failed to parse track ID from URL")
	}
	return trackID, nil
}

// streamInfo asks the mirrors for a download location, sequentially.
// Mirrors answer in one of two shapes: the current format wraps a
// base64 manifest with explicit quality, the legacy one is an array
// with a direct URL and implied CD quality.
func (p *TidalProvider) streamInfo(ctx context.Context, trackID int64, quality string) (tidalStreamInfo, error) {
	if len(p.mirrors) == 0 {
		return tidalStreamInfo{}, apperrors.NewValidationError("no mirror APIs configured")
	}

	var failures []string
	for _, mirror := range p.mirrors {
		reqURL := fmt.Sprintf("%s/track/?id=%d&quality=%s", mirror, trackID, quality)

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
				return tidalStreamInfo{}, err
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

		var v2 struct {
			Data struct {
				Manifest   string `json:"manifest"`
				BitDepth   int    `json:"bitDepth"`
				SampleRate int    `json:"sampleRate"`
			} `json:"data"`
		}
		if err := json.Unmarshal(body, &v2); err == nil && v2.Data.Manifest != "" {
			return tidalStreamInfo{
				URL:        manifestURLPrefix + v2.Data.Manifest,
				BitDepth:   v2.Data.BitDepth,
				SampleRate: v2.Data.SampleRate,
			}, nil
		}

		var v1 []struct {
			OriginalTrackURL string `json:"OriginalTrackUrl"`
		}
		if err := json.Unmarshal(body, &v1); err == nil {
			for _, item := range v1 {
				if item.OriginalTrackURL != "" {
					return tidalStreamInfo{URL: item.OriginalTrackURL, BitDepth: 16, SampleRate: 44100}, nil
				}
			}
		}

		failures = append(failures, fmt.Sprintf("%s: no download URL or manifest in response", mirror))
	}

	return tidalStreamInfo{}, apperrors.NewNetworkError(
		fmt.Sprintf("all %d mirrors failed: %s", len(p.mirrors), strings.Join(failures, "; ")), nil)
}

// Download resolves a track on Tidal and streams it to disk.
// Resolution order: cached track ID, ISRC search, link relation,
// metadata search. Every candidate passes artist verification.
func (p *TidalProvider) Download(ctx context.Context, songlink *SonglinkClient, req DownloadRequest) (Result, error) {
	if p.deps.History != nil && req.ISRC != "" {
		if existing, found, err := p.deps.History.FindByISRC(ctx, req.ISRC); err == nil && found {
			return Result{FilePath: ExistsPrefix + existing}, nil
		}
	}

	expectedDurationSec := req.DurationMS / 1000

	var track *TidalTrack
	var lastErr error

	if req.ISRC != "" {
		if cached := p.deps.Cache.Get(req.ISRC); cached != nil && cached.TidalTrackID > 0 {
			monitoring.RecordCacheHit(p.Name())
			t, err := p.TrackByID(ctx, cached.TidalTrackID)
			if err != nil {
				p.deps.logger().Warn("cached track ID lookup failed", zap.Error(err))
			} else {
				track = t
			}
		} else {
			monitoring.RecordCacheMiss(p.Name())
		}
	}

	if track == nil && req.ISRC != "" {
		t, err := p.searchVerified(ctx, req.TrackName, req.ArtistName, req.ISRC, expectedDurationSec)
		if err != nil {
			// A duration-rejected ISRC hit is a different edit; the
			// weaker strategies would only find the same track again.
			if apperrors.IsBlocked(err) || IsDurationMismatch(err) {
				return Result{}, err
			}
			lastErr = err
		}
		track = verifyArtist(t, req.ArtistName, p.deps.logger())
	}

	if track == nil && req.SourceID != "" && songlink != nil {
		track = p.trackFromLink(ctx, songlink, req, expectedDurationSec)
	}

	if track == nil {
		t, err := p.searchVerified(ctx, req.TrackName, req.ArtistName, "", expectedDurationSec)
		if err != nil {
			if apperrors.IsBlocked(err) {
				return Result{}, err
			}
			lastErr = err
		}
		track = verifyArtist(t, req.ArtistName, p.deps.logger())
	}

	if track == nil {
		if lastErr != nil {
			return Result{}, lastErr
		}
		return Result{}, apperrors.NewNotFoundError("could not find matching track (artist/duration mismatch)")
	}

	p.deps.logger().Info("track matched",
		zap.String("provider", p.Name()),
		zap.String("title", track.Title),
		zap.String("artist", track.ArtistCredit()),
		zap.Int("duration_sec", track.Duration))

	if req.ISRC != "" {
		p.deps.Cache.SetTidal(req.ISRC, track.ID)
	}

	outputPath := filepath.Join(req.OutputDir, BuildFilename(req.FilenameTemplate, req)+".flac")
	if info, err := os.Stat(outputPath); err == nil && info.Size() > 0 {
		return Result{FilePath: ExistsPrefix + outputPath}, nil
	}

	quality := req.Quality
	if quality == "" {
		quality = QualityLossless
	}

	info, err := p.streamInfo(ctx, track.ID, quality)
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

	actualPath, err := p.fetchAudio(ctx, info.URL, outputPath, req.ItemID)
	if err != nil {
		return Result{}, err
	}

	side := <-sideCh
	finalize(p.deps, req, actualPath, side)

	return Result{FilePath: actualPath, BitDepth: info.BitDepth, SampleRate: info.SampleRate}, nil
}

// fetchAudio downloads the audio payload. Direct URLs and BTS manifest
// URLs save as requested; DASH manifests concatenate their segments
// into an .m4a next to the requested path and return that path.
func (p *TidalProvider) fetchAudio(ctx context.Context, downloadURL, outputPath, itemID string) (string, error) {
	if !strings.HasPrefix(downloadURL, manifestURLPrefix) {
		if err := p.st.streamToFile(ctx, p.deps.Clients.Download, downloadURL, outputPath, itemID); err != nil {
			return "", err
		}
		return outputPath, nil
	}

	manifest, err := ParseManifest(strings.TrimPrefix(downloadURL, manifestURLPrefix))
	if err != nil {
		return "", err
	}

	if !manifest.IsSegmented() {
		if err := p.st.streamToFile(ctx, p.deps.Clients.Download, manifest.DirectURL, outputPath, itemID); err != nil {
			return "", err
		}
		return outputPath, nil
	}

	// Segmented stream: the payload is AAC in fMP4, not FLAC, so the
	// result keeps an .m4a extension.
	m4aPath := strings.TrimSuffix(outputPath, ".flac") + ".m4a"
	tempPath := m4aPath + ".tmp"
	out, err := os.Create(tempPath)
	if err != nil {
		return "", apperrors.NewFileSystemError("failed to create temp file", err)
	}

	cleanup := func() {
		out.Close()
		os.Remove(tempPath)
	}

	if err := p.st.fetchToWriter(ctx, p.deps.Clients.Download, manifest.InitURL, out); err != nil {
		cleanup()
		return "", err
	}
	for i, mediaURL := range manifest.MediaURLs {
		if err := ctx.Err(); err != nil {
			cleanup()
			return "", apperrors.NewNetworkError("download canceled", err)
		}
		if err := p.st.fetchToWriter(ctx, p.deps.Clients.Download, mediaURL, out); err != nil {
			cleanup()
			return "", apperrors.NewNetworkError(fmt.Sprintf("segment %d failed", i+1), err)
		}
	}

	if err := out.Close(); err != nil {
		os.Remove(tempPath)
		return "", apperrors.NewFileSystemError("failed to close temp file", err)
	}
	if err := os.Rename(tempPath, m4aPath); err != nil {
		os.Remove(tempPath)
		return "", apperrors.NewFileSystemError("failed to rename temp file", err)
	}
	return m4aPath, nil
}

// verifyArtist nils out a candidate whose artist credit doesn't match.
func verifyArtist(track *TidalTrack, expectedArtist string, logger *zap.Logger) *TidalTrack {
	if track == nil {
		return nil
	}
	if !ArtistsMatch(expectedArtist, track.ArtistCredit()) {
		logger.Info("rejecting candidate on artist mismatch",
			zap.String("expected", expectedArtist),
			zap.String("found", track.ArtistCredit()))
		return nil
	}
	return track
}
