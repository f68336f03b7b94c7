package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	apperrors "github.com/flacbridge/flacbridge-go/internal/errors"
)

// newTestSonglink builds a client with an uncapped limiter aimed at the
// test server.
func newTestSonglink(t *testing.T, server *httptest.Server, deps Deps) *SonglinkClient {
	t.Helper()
	return &SonglinkClient{
		clients:    deps.Clients,
		limiter:    rate.NewLimiter(rate.Inf, 1),
		logger:     zap.NewNop(),
		apiBase:    server.URL + "/links?url=",
		qobuzBase:  server.URL + "/qobuz/search?query=",
		qobuzAppID: defaultQobuzApp,
		sourceBase: sourceTrackBase,
	}
}

func TestCheckTrackAvailability(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/links", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"linksByPlatform":{
			"tidal":{"url":"https://tidal.com/browse/track/77646169"},
			"amazonMusic":{"url":"https://music.amazon.com/albums/B06X9K9LPM?trackAsin=B06XBR3LsS"},
			"spotify":{"url":"https://open.spotify.com/track/abc"}
		}}`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	s := newTestSonglink(t, server, newTestDeps(t))

	availability, err := s.CheckTrackAvailability(context.Background(), "7qiZfU4dY1lWllzX7mPBI3", "")
	if err != nil {
		t.Fatalf("CheckTrackAvailability() error = %v", err)
	}
	if !availability.Tidal {
		t.Error("Tidal should be available")
	}
	if availability.TidalURL != "https://tidal.com/browse/track/77646169" {
		t.Errorf("TidalURL = %q", availability.TidalURL)
	}
	if !availability.Amazon {
		t.Error("Amazon should be available")
	}
	if availability.Qobuz {
		t.Error("Qobuz should not be probed without an ISRC")
	}
}

func TestCheckTrackAvailabilityQobuzProbe(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/links", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"linksByPlatform":{}}`)
	})
	mux.HandleFunc("/qobuz/search", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"tracks":{"total":1}}`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	s := newTestSonglink(t, server, newTestDeps(t))

	availability, err := s.CheckTrackAvailability(context.Background(), "7qiZfU4dY1lWllzX7mPBI3", "USRC17607839")
	if err != nil {
		t.Fatalf("CheckTrackAvailability() error = %v", err)
	}
	if availability.Tidal || availability.Amazon {
		t.Error("no platform links were returned")
	}
	if !availability.Qobuz {
		t.Error("Qobuz probe should report availability")
	}
}

func TestCheckTrackAvailabilityRejectsPlainHTTP(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/links", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"linksByPlatform":{"tidal":{"url":"http://tidal.com/browse/track/1"}}}`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	s := newTestSonglink(t, server, newTestDeps(t))

	availability, err := s.CheckTrackAvailability(context.Background(), "7qiZfU4dY1lWllzX7mPBI3", "")
	if err != nil {
		t.Fatalf("CheckTrackAvailability() error = %v", err)
	}
	if availability.Tidal {
		t.Error("a plain-HTTP platform link must not count as available")
	}
}

func TestCheckTrackAvailabilityEmptySourceID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	s := newTestSonglink(t, server, newTestDeps(t))

	_, err := s.CheckTrackAvailability(context.Background(), "", "")
	if apperrors.GetErrorType(err) != apperrors.ErrTypeValidation {
		t.Errorf("error type = %v, want validation", apperrors.GetErrorType(err))
	}
}
