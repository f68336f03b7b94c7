package provider

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"
)

func TestPreWarmerWarm(t *testing.T) {
	var tokenRequests, searches int64
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/token", tidalAuthHandler(&tokenRequests))
	mux.HandleFunc("/v1/search/tracks", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&searches, 1)
		fmt.Fprint(w, tidalSearchBody)
	})

	tidal, _ := newTestTidal(t, mux)
	qobuz := NewQobuzProvider(tidal.deps)
	warmer := NewPreWarmer(tidal.deps, tidal, qobuz)

	// The second entry is already cached and must be skipped.
	tidal.deps.Cache.SetTidal("USRC17607840", 77646170)

	requests := []PreWarmRequest{
		{ISRC: "USRC17607839", TrackName: "Shape of You", ArtistName: "Ed Sheeran"},
		{ISRC: "USRC17607840", TrackName: "Shape of You (Acoustic)", ArtistName: "Ed Sheeran"},
		{TrackName: "No ISRC Here"},
	}

	warmed := warmer.Warm(context.Background(), requests)
	if warmed != 1 {
		t.Errorf("Warm() = %d, want 1 (one cached, one without ISRC)", warmed)
	}
	if got := atomic.LoadInt64(&searches); got != 1 {
		t.Errorf("search endpoint hit %d times, want 1", got)
	}

	entry := tidal.deps.Cache.Get("USRC17607839")
	if entry == nil || entry.TidalTrackID != 77646169 {
		t.Error("warm did not cache the resolved track ID")
	}
}

func TestPreWarmerEmptyBatch(t *testing.T) {
	tidal, _ := newTestTidal(t, http.NewServeMux())
	warmer := NewPreWarmer(tidal.deps, tidal, NewQobuzProvider(tidal.deps))

	if warmed := warmer.Warm(context.Background(), nil); warmed != 0 {
		t.Errorf("Warm(nil) = %d, want 0", warmed)
	}
}

func TestPreWarmerCanceledContext(t *testing.T) {
	tidal, _ := newTestTidal(t, http.NewServeMux())
	warmer := NewPreWarmer(tidal.deps, tidal, NewQobuzProvider(tidal.deps))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	requests := make([]PreWarmRequest, 10)
	for i := range requests {
		requests[i] = PreWarmRequest{ISRC: fmt.Sprintf("USRC%08d", i)}
	}
	// A canceled context stops the batch without hanging; whatever
	// slipped through before cancellation is allowed.
	warmer.Warm(ctx, requests)
}
