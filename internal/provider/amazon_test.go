package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/flacbridge/flacbridge-go/internal/errors"
)

func newTestAmazon(t *testing.T, handler http.Handler) (*AmazonProvider, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	p := NewAmazonProvider(newTestDeps(t))
	p.relayBases = []string{server.URL}
	p.pollInterval = 10 * time.Millisecond
	p.pollTimeout = 2 * time.Second
	return p, server
}

func TestResolveRelayURL(t *testing.T) {
	tests := []struct {
		base     string
		relayURL string
		want     string
	}{
		{"https://us.doubledouble.top", "./out/file.flac", "https://us.doubledouble.top/out/file.flac"},
		{"https://eu.doubledouble.top", "/out/file.flac", "https://eu.doubledouble.top/out/file.flac"},
		{"https://us.doubledouble.top", "https://cdn.example.com/file.flac", "https://cdn.example.com/file.flac"},
	}
	for _, tt := range tests {
		if got := resolveRelayURL(tt.base, tt.relayURL); got != tt.want {
			t.Errorf("resolveRelayURL(%q, %q) = %q, want %q", tt.base, tt.relayURL, got, tt.want)
		}
	}
}

func TestAmazonPollJobWaitsForDone(t *testing.T) {
	var polls int64
	mux := http.NewServeMux()
	mux.HandleFunc("/dl/job-1", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&polls, 1) < 3 {
			fmt.Fprint(w, `{"status":"downloading"}`)
			return
		}
		fmt.Fprint(w, `{"status":"done","url":"./out/track.flac","current":{"name":"Shape of You","artist":"Ed Sheeran"}}`)
	})

	p, _ := newTestAmazon(t, mux)

	status, err := p.pollJob(context.Background(), p.relayBases[0], "job-1")
	if err != nil {
		t.Fatalf("pollJob() error = %v", err)
	}
	if status.URL != "./out/track.flac" {
		t.Errorf("URL = %q", status.URL)
	}
	if status.Current.Artist != "Ed Sheeran" {
		t.Errorf("artist = %q", status.Current.Artist)
	}
	if got := atomic.LoadInt64(&polls); got < 3 {
		t.Errorf("polled %d times, want at least 3", got)
	}
}

func TestAmazonPollJobRelayError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/dl/job-2", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"error","friendlyStatus":"Track is region locked"}`)
	})

	p, _ := newTestAmazon(t, mux)

	_, err := p.pollJob(context.Background(), p.relayBases[0], "job-2")
	if err == nil {
		t.Fatal("pollJob() should surface the relay error")
	}
	if !strings.Contains(err.Error(), "region locked") {
		t.Errorf("error = %v, want the relay's friendly status", err)
	}
}

func TestAmazonPollJobTimeout(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/dl/job-3", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"downloading"}`)
	})

	p, _ := newTestAmazon(t, mux)
	p.pollTimeout = 50 * time.Millisecond

	_, err := p.pollJob(context.Background(), p.relayBases[0], "job-3")
	if err == nil {
		t.Fatal("pollJob() should time out")
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("error = %v", err)
	}
}

func TestAmazonDownloadEndToEnd(t *testing.T) {
	audioPayload := strings.Repeat("amazon-bytes-", 64)

	mux := http.NewServeMux()
	p, server := newTestAmazon(t, mux)

	mux.HandleFunc("/links", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"linksByPlatform":{"amazonMusic":{"url":"https://music.amazon.com/tracks/B06XBR3LsS"}}}`)
	})
	mux.HandleFunc("/dl", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"success":true,"id":"job-9"}`)
	})
	mux.HandleFunc("/dl/job-9", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"done","url":"./out/track.flac","current":{"name":"Shape of You","artist":"Ed Sheeran"}}`)
	})
	mux.HandleFunc("/out/track.flac", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, audioPayload)
	})

	songlink := newTestSonglink(t, server, p.deps)

	outputDir := t.TempDir()
	req := DownloadRequest{
		ISRC:       "USRC17607839",
		TrackName:  "Shape of You",
		ArtistName: "Ed Sheeran",
		SourceID:   "7qiZfU4dY1lWllzX7mPBI3",
		DurationMS: 233000,
		OutputDir:  outputDir,
	}

	result, err := p.Download(context.Background(), songlink, req)
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}

	wantPath := filepath.Join(outputDir, "Ed Sheeran - Shape of You.flac")
	if result.Path() != wantPath {
		t.Errorf("path = %q, want %q", result.Path(), wantPath)
	}
	data, err := os.ReadFile(wantPath)
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	if string(data) != audioPayload {
		t.Errorf("output file has %d bytes, want %d", len(data), len(audioPayload))
	}
	// The payload is not a real FLAC, so the quality probe yields zero
	// without failing the download.
	if result.BitDepth != 0 || result.SampleRate != 0 {
		t.Errorf("quality = %d/%d, want 0/0 for an unparseable file", result.BitDepth, result.SampleRate)
	}
}

func TestAmazonDownloadNotAvailable(t *testing.T) {
	mux := http.NewServeMux()
	p, server := newTestAmazon(t, mux)

	mux.HandleFunc("/links", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"linksByPlatform":{}}`)
	})

	songlink := newTestSonglink(t, server, p.deps)

	req := DownloadRequest{
		TrackName:  "Shape of You",
		ArtistName: "Ed Sheeran",
		SourceID:   "7qiZfU4dY1lWllzX7mPBI3",
		OutputDir:  t.TempDir(),
	}
	_, err := p.Download(context.Background(), songlink, req)
	if apperrors.GetErrorType(err) != apperrors.ErrTypeNotFound {
		t.Errorf("error type = %v, want not_found", apperrors.GetErrorType(err))
	}
}

func TestAmazonDownloadRippedWrongArtist(t *testing.T) {
	mux := http.NewServeMux()
	p, server := newTestAmazon(t, mux)

	mux.HandleFunc("/links", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"linksByPlatform":{"amazonMusic":{"url":"https://music.amazon.com/tracks/B06XBR3LsS"}}}`)
	})
	mux.HandleFunc("/dl", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"success":true,"id":"job-8"}`)
	})
	mux.HandleFunc("/dl/job-8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"done","url":"./out/track.flac","current":{"name":"Other Song","artist":"Somebody Else"}}`)
	})

	songlink := newTestSonglink(t, server, p.deps)

	req := DownloadRequest{
		TrackName:  "Shape of You",
		ArtistName: "Ed Sheeran",
		SourceID:   "7qiZfU4dY1lWllzX7mPBI3",
		DurationMS: 233000,
		OutputDir:  t.TempDir(),
	}
	_, err := p.Download(context.Background(), songlink, req)
	if err == nil {
		t.Fatal("Download() should reject a rip of the wrong artist")
	}
	if !strings.Contains(err.Error(), "different artist") {
		t.Errorf("error = %v", err)
	}
}
