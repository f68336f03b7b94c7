package download

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/flacbridge/flacbridge-go/internal/cache"
	"github.com/flacbridge/flacbridge-go/internal/lyrics"
	"github.com/flacbridge/flacbridge-go/internal/metadata"
	"github.com/flacbridge/flacbridge-go/internal/network"
	"github.com/flacbridge/flacbridge-go/internal/progress"
	"github.com/flacbridge/flacbridge-go/internal/provider"
	"github.com/flacbridge/flacbridge-go/internal/store"
)

const managerSearchBody = `{"items":[
	{"id":77646169,"title":"Shape of You","isrc":"USRC17607839","audioQuality":"LOSSLESS",
	 "trackNumber":4,"volumeNumber":1,"duration":233,
	 "album":{"title":"Divide","cover":"cover-id","releaseDate":"2017-03-03"},
	 "artists":[{"name":"Ed Sheeran"}],"artist":{"name":"Ed Sheeran"},
	 "mediaMetadata":{"tags":["LOSSLESS"]}}
]}`

const managerQobuzBody = `{"tracks":{"items":[
	{"id":52559053,"title":"Shape of You","isrc":"USRC17607839","duration":233,
	 "track_number":4,"maximum_bit_depth":16,"maximum_sampling_rate":44.1,
	 "album":{"title":"Divide","release_date_original":"2017-03-03","image":{"large":""}},
	 "performer":{"name":"Ed Sheeran"}}
]}}`

type managerFixture struct {
	manager *Manager
	history *store.History
	server  *httptest.Server
}

// newManagerFixture wires a full manager against one httptest server
// that plays catalog, mirror and CDN for both Tidal and Qobuz.
func newManagerFixture(t *testing.T, tidalWorks bool) *managerFixture {
	t.Helper()

	audioPayload := "manager-audio-payload"
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	mux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"access_token":"tok","expires_in":3600}`)
	})
	mux.HandleFunc("/v1/search/tracks", func(w http.ResponseWriter, r *http.Request) {
		if tidalWorks {
			fmt.Fprint(w, managerSearchBody)
			return
		}
		fmt.Fprint(w, `{"items":[]}`)
	})
	mux.HandleFunc("/tidal-mirror/track/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `[{"OriginalTrackUrl":"%s/cdn/track.flac"}]`, server.URL)
	})
	mux.HandleFunc("/qobuz/search", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, managerQobuzBody)
	})
	mux.HandleFunc("/qobuz-mirror/stream", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"url":"%s/cdn/track.flac"}`, server.URL)
	})
	mux.HandleFunc("/cdn/track.flac", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, audioPayload)
	})

	db, err := store.InitDB(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("InitDB() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	history := store.NewHistory(db)

	deps := provider.Deps{
		Clients: network.NewClients(network.Config{
			MaxRetries: -1,
			BaseDelay:  time.Millisecond,
			MaxDelay:   2 * time.Millisecond,
		}, zap.NewNop()),
		Cache:    cache.New(cache.Options{}),
		Registry: progress.NewRegistry(),
		Meta:     metadata.NewManager(nil),
		Lyrics:   lyrics.NewClient(nil, nil),
		History:  history,
		Logger:   zap.NewNop(),
	}

	tidal := provider.NewTidalProvider(deps, provider.WithTidalEndpoints(
		server.URL+"/oauth2/token",
		server.URL+"/v1",
		[]string{server.URL + "/tidal-mirror"},
	))
	qobuz := provider.NewQobuzProvider(deps, provider.WithQobuzEndpoints(
		server.URL+"/qobuz/search?query=",
		[]string{server.URL + "/qobuz-mirror/stream?trackId="},
	))
	amazon := provider.NewAmazonProvider(deps,
		provider.WithAmazonRelays([]string{server.URL}),
		provider.WithAmazonPolling(10*time.Millisecond, time.Second),
	)
	songlink := provider.NewSonglinkClient(deps.Clients, zap.NewNop(),
		provider.WithSonglinkEndpoints(server.URL+"/links?url=", server.URL+"/qobuz/search?query="),
		provider.WithSonglinkInterval(time.Nanosecond),
	)

	manager := NewManager(Config{
		Tidal:      tidal,
		Qobuz:      qobuz,
		Amazon:     amazon,
		Songlink:   songlink,
		History:    history,
		MaxWorkers: 2,
	})
	return &managerFixture{manager: manager, history: history, server: server}
}

func testRequest(t *testing.T) provider.DownloadRequest {
	t.Helper()
	return provider.DownloadRequest{
		ISRC:       "USRC17607839",
		TrackName:  "Shape of You",
		ArtistName: "Ed Sheeran",
		AlbumName:  "Divide",
		DurationMS: 233000,
		OutputDir:  t.TempDir(),
	}
}

func TestManagerDownloadTidal(t *testing.T) {
	fx := newManagerFixture(t, true)

	result, err := fx.manager.Download(context.Background(), ServiceTidal, testRequest(t))
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if _, err := os.Stat(result.Path()); err != nil {
		t.Errorf("output file missing: %v", err)
	}

	// Success must land in history.
	path, found, err := fx.history.FindByISRC(context.Background(), "USRC17607839")
	if err != nil || !found {
		t.Fatalf("FindByISRC() = %v, %v; want recorded", found, err)
	}
	if path != result.Path() {
		t.Errorf("recorded path = %q, want %q", path, result.Path())
	}
}

func TestManagerAutoFallsBackToQobuz(t *testing.T) {
	fx := newManagerFixture(t, false)

	result, err := fx.manager.Download(context.Background(), ServiceAuto, testRequest(t))
	if err != nil {
		t.Fatalf("Download() should fall back to Qobuz, got %v", err)
	}
	if result.BitDepth != 16 || result.SampleRate != 44100 {
		t.Errorf("quality = %d/%d", result.BitDepth, result.SampleRate)
	}

	count, err := fx.history.Count(context.Background())
	if err != nil || count != 1 {
		t.Errorf("history count = %d, %v; want 1", count, err)
	}
}

func TestManagerSecondDownloadUsesHistory(t *testing.T) {
	fx := newManagerFixture(t, true)
	req := testRequest(t)

	first, err := fx.manager.Download(context.Background(), ServiceTidal, req)
	if err != nil {
		t.Fatalf("first Download() error = %v", err)
	}
	if first.AlreadyExists() {
		t.Fatal("first download should be fresh")
	}

	// Even with a different output dir, the history check short-circuits
	// on the ISRC.
	req.OutputDir = t.TempDir()
	second, err := fx.manager.Download(context.Background(), ServiceTidal, req)
	if err != nil {
		t.Fatalf("second Download() error = %v", err)
	}
	if !second.AlreadyExists() {
		t.Error("second download should hit the history record")
	}
	if second.Path() != first.Path() {
		t.Errorf("second path = %q, want the first download's %q", second.Path(), first.Path())
	}
}

func TestManagerEnqueueAndResults(t *testing.T) {
	fx := newManagerFixture(t, true)

	if err := fx.manager.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer fx.manager.Stop()

	jobID, err := fx.manager.Enqueue(ServiceTidal, testRequest(t))
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if jobID == "" {
		t.Fatal("Enqueue() returned an empty job ID")
	}

	select {
	case result := <-fx.manager.Results():
		if result.JobID != jobID {
			t.Errorf("result job ID = %q, want %q", result.JobID, jobID)
		}
		if result.Err != nil {
			t.Errorf("job failed: %v", result.Err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for job result")
	}
}
