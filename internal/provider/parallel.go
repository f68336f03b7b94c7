package provider

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/flacbridge/flacbridge-go/internal/cache"
	"github.com/flacbridge/flacbridge-go/internal/lyrics"
	"github.com/flacbridge/flacbridge-go/internal/metadata"
	"github.com/flacbridge/flacbridge-go/internal/network"
	"github.com/flacbridge/flacbridge-go/internal/progress"
)

// History is the download-history lookup providers use to skip tracks
// that are already on disk.
type History interface {
	// FindByISRC returns the recorded file path for an ISRC when a
	// completed download exists.
	FindByISRC(ctx context.Context, isrc string) (path string, found bool, err error)
}

// Deps bundles the shared collaborators every provider needs. All
// fields are required except Logger, which defaults to a no-op.
type Deps struct {
	Clients  *network.Clients
	Cache    *cache.TrackIDCache
	Registry *progress.Registry
	Meta     *metadata.Manager
	Lyrics   *lyrics.Client
	History  History
	Logger   *zap.Logger
}

func (d *Deps) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

// sideFetchResult holds the cover art and lyrics gathered while the
// audio stream is in flight. Failures here never fail the download.
type sideFetchResult struct {
	CoverData []byte
	CoverMIME string
	LyricsLRC string
	CoverErr  error
	LyricsErr error
}

// fetchCoverAndLyrics downloads cover art and lyrics concurrently with
// the audio transfer. Each fetch is isolated: an error in one leaves
// the other's result intact.
func fetchCoverAndLyrics(ctx context.Context, deps Deps, req DownloadRequest) *sideFetchResult {
	result := &sideFetchResult{}
	var wg sync.WaitGroup

	if req.CoverURL != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			coverURL := req.CoverURL
			if req.EmbedMaxQualityCover {
				coverURL = metadata.UpgradeCoverURL(coverURL)
			}
			data, mime, err := deps.Meta.FetchCover(ctx, deps.Clients.API, coverURL)
			if err != nil {
				result.CoverErr = err
				deps.logger().Warn("cover fetch failed", zap.String("url", coverURL), zap.Error(err))
				return
			}
			result.CoverData = data
			result.CoverMIME = mime
		}()
	}

	if req.EmbedLyrics || req.SaveLyricsFile {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fetched, err := deps.Lyrics.Fetch(ctx, req.ArtistName, req.TrackName, req.AlbumName, req.DurationMS/1000)
			if err != nil {
				result.LyricsErr = err
				deps.logger().Warn("lyrics fetch failed", zap.String("track", req.TrackName), zap.Error(err))
				return
			}
			result.LyricsLRC = lyrics.ToLRC(fetched, req.TrackName, req.ArtistName)
		}()
	}

	wg.Wait()
	return result
}

// finalize embeds tags, cover and lyrics into a completed download and
// flips its progress item to finalizing. Embed failures are logged, not
// returned: the audio file on disk is already complete.
func finalize(deps Deps, req DownloadRequest, outputPath string, side *sideFetchResult) {
	if req.ItemID != "" {
		deps.Registry.SetFinalizing(req.ItemID)
	}

	track := &metadata.Track{
		Title:       req.TrackName,
		Artist:      req.ArtistName,
		Album:       req.AlbumName,
		AlbumArtist: req.AlbumArtist,
		ReleaseDate: req.ReleaseDate,
		TrackNumber: req.TrackNumber,
		TotalTracks: req.TotalTracks,
		DiscNumber:  req.DiscNumber,
		ISRC:        req.ISRC,
	}

	var coverData []byte
	var coverMIME string
	if side != nil {
		coverData = side.CoverData
		coverMIME = side.CoverMIME
	}

	if err := deps.Meta.Apply(outputPath, track, coverData, coverMIME); err != nil {
		deps.logger().Warn("failed to embed metadata",
			zap.String("path", outputPath),
			zap.Error(err))
	}

	if req.EmbedLyrics && side != nil && side.LyricsLRC != "" {
		if err := deps.Meta.EmbedLyrics(outputPath, side.LyricsLRC); err != nil {
			deps.logger().Warn("failed to embed lyrics",
				zap.String("path", outputPath),
				zap.Error(err))
		}
	}

	if req.SaveLyricsFile && side != nil && side.LyricsLRC != "" {
		if err := metadata.SaveLyricsFile(outputPath, side.LyricsLRC); err != nil {
			deps.logger().Warn("failed to write lyrics file",
				zap.String("path", outputPath),
				zap.Error(err))
		}
	}
}
