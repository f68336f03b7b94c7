package provider

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// prewarmConcurrency caps parallel catalog lookups during pre-warming
// so a large batch doesn't hammer the search APIs.
const prewarmConcurrency = 3

// PreWarmRequest identifies one track whose provider ID should be
// resolved ahead of time. Service selects which catalog to query;
// empty means Tidal.
type PreWarmRequest struct {
	ISRC       string
	TrackName  string
	ArtistName string
	SourceID   string
	Service    string
}

// PreWarmer resolves track IDs for a caller-supplied batch and stores
// them in the shared cache, so later downloads skip the search round
// trips. The caller decides what goes in the batch; the pre-warmer
// only skips entries it already has.
type PreWarmer struct {
	deps  Deps
	tidal *TidalProvider
	qobuz *QobuzProvider
}

// NewPreWarmer creates a pre-warmer over the given providers.
func NewPreWarmer(deps Deps, tidal *TidalProvider, qobuz *QobuzProvider) *PreWarmer {
	return &PreWarmer{deps: deps, tidal: tidal, qobuz: qobuz}
}

// Warm resolves all requests concurrently, bounded by a semaphore, and
// returns how many new cache entries it produced. Individual lookup
// failures are logged and skipped; only context cancellation stops the
// batch early.
func (w *PreWarmer) Warm(ctx context.Context, requests []PreWarmRequest) int {
	if len(requests) == 0 {
		return 0
	}

	sem := make(chan struct{}, prewarmConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	warmed := 0

	for _, req := range requests {
		if req.ISRC == "" {
			continue
		}
		if cached := w.deps.Cache.Get(req.ISRC); cached != nil {
			if (req.Service == "qobuz" && cached.QobuzTrackID > 0) ||
				(req.Service != "qobuz" && cached.TidalTrackID > 0) {
				continue
			}
		}

		select {
		case <-ctx.Done():
			wg.Wait()
			return warmed
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(req PreWarmRequest) {
			defer wg.Done()
			defer func() { <-sem }()

			if w.warmOne(ctx, req) {
				mu.Lock()
				warmed++
				mu.Unlock()
			}
		}(req)
	}

	wg.Wait()
	return warmed
}

func (w *PreWarmer) warmOne(ctx context.Context, req PreWarmRequest) bool {
	switch req.Service {
	case "qobuz":
		track, err := w.qobuz.SearchByISRC(ctx, req.ISRC)
		if err != nil {
			w.deps.logger().Debug("pre-warm lookup failed",
				zap.String("service", "qobuz"),
				zap.String("isrc", req.ISRC),
				zap.Error(err))
			return false
		}
		w.deps.Cache.SetQobuz(req.ISRC, track.ID)
	default:
		track, err := w.tidal.SearchByISRC(ctx, req.ISRC)
		if err != nil {
			w.deps.logger().Debug("pre-warm lookup failed",
				zap.String("service", "tidal"),
				zap.String("isrc", req.ISRC),
				zap.Error(err))
			return false
		}
		w.deps.Cache.SetTidal(req.ISRC, track.ID)
	}

	w.deps.logger().Debug("pre-warmed track ID",
		zap.String("isrc", req.ISRC),
		zap.String("track", req.TrackName))
	return true
}
