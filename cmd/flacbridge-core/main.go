package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/flacbridge/flacbridge-go/internal/cache"
	"github.com/flacbridge/flacbridge-go/internal/config"
	"github.com/flacbridge/flacbridge-go/internal/download"
	"github.com/flacbridge/flacbridge-go/internal/lyrics"
	"github.com/flacbridge/flacbridge-go/internal/metadata"
	"github.com/flacbridge/flacbridge-go/internal/monitoring"
	"github.com/flacbridge/flacbridge-go/internal/network"
	"github.com/flacbridge/flacbridge-go/internal/progress"
	"github.com/flacbridge/flacbridge-go/internal/provider"
	"github.com/flacbridge/flacbridge-go/internal/store"
)

const usage = `Usage: flacbridge-core <command> [flags]

Commands:
  download   resolve and download one track
  prewarm    resolve provider track IDs for a batch file
  history    show recorded downloads
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "download":
		err = runDownload(os.Args[2:])
	case "prewarm":
		err = runPrewarm(os.Args[2:])
	case "history":
		err = runHistory(os.Args[2:])
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// app holds everything the commands share, constructed once.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	clients  *network.Clients
	registry *progress.Registry
	history  *store.History
	manager  *download.Manager
	prewarm  *provider.PreWarmer
	closers  []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func buildApp(configPath, dbPath, metricsAddr string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := monitoring.NewLogger(&monitoring.LogConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePath:   cfg.Logging.FilePath,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		return nil, err
	}

	if dbPath == "" {
		dbPath = store.DefaultDBPath()
	}
	db, err := store.InitDB(dbPath)
	if err != nil {
		logger.Sync()
		return nil, err
	}
	history := store.NewHistory(db)

	clients := network.NewClients(network.Config{
		APITimeout:      time.Duration(cfg.Network.APITimeout) * time.Second,
		DownloadTimeout: time.Duration(cfg.Network.DownloadTimeout) * time.Second,
		SonglinkTimeout: time.Duration(cfg.Network.SonglinkTimeout) * time.Second,
		MaxRetries:      cfg.Network.MaxRetries,
		BaseDelay:       time.Duration(cfg.Network.BaseDelayMs) * time.Millisecond,
		MaxDelay:        time.Duration(cfg.Network.MaxDelayMs) * time.Millisecond,
	}, logger.Named("network"))

	trackCache := cache.New(cache.Options{
		TTL:             time.Duration(cfg.Cache.TTLMinutes) * time.Minute,
		CleanupInterval: time.Duration(cfg.Cache.CleanupIntervalMinutes) * time.Minute,
		MaxEntries:      cfg.Cache.MaxEntries,
	})

	registry := progress.NewRegistry()

	artworkSize := 0
	if cfg.Download.EmbedArtwork {
		artworkSize = cfg.Download.ArtworkSize
	}
	meta := metadata.NewManager(&metadata.Config{
		EmbedArtwork: cfg.Download.EmbedArtwork,
		ArtworkSize:  artworkSize,
	})

	deps := provider.Deps{
		Clients:  clients,
		Cache:    trackCache,
		Registry: registry,
		Meta:     meta,
		Lyrics:   lyrics.NewClient(clients.API, logger.Named("lyrics")),
		History:  history,
		Logger:   logger.Named("provider"),
	}

	tidal := provider.NewTidalProvider(deps)
	qobuz := provider.NewQobuzProvider(deps)
	amazon := provider.NewAmazonProvider(deps)
	songlink := provider.NewSonglinkClient(clients, logger.Named("songlink"))

	manager := download.NewManager(download.Config{
		Tidal:      tidal,
		Qobuz:      qobuz,
		Amazon:     amazon,
		Songlink:   songlink,
		History:    history,
		Logger:     logger.Named("download"),
		MaxWorkers: cfg.Download.ConcurrentDownloads,
	})

	if metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				logger.Warn("metrics server stopped", zap.Error(err))
			}
		}()
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		clients:  clients,
		registry: registry,
		history:  history,
		manager:  manager,
		prewarm:  provider.NewPreWarmer(deps, tidal, qobuz),
		closers: []func(){
			func() { clients.CloseIdleConnections() },
			func() { db.Close() },
			func() { logger.Sync() },
		},
	}, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runDownload(args []string) error {
	fs := flag.NewFlagSet("download", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	dbPath := fs.String("db", "", "history database path")
	metricsAddr := fs.String("metrics-addr", "", "serve Prometheus metrics on this address")
	service := fs.String("service", "auto", "provider: auto, tidal, qobuz, amazon")
	isrc := fs.String("isrc", "", "track ISRC")
	title := fs.String("title", "", "track title")
	artist := fs.String("artist", "", "artist name")
	album := fs.String("album", "", "album title")
	albumArtist := fs.String("album-artist", "", "album artist (defaults to artist)")
	releaseDate := fs.String("release-date", "", "release date (YYYY-MM-DD)")
	trackNumber := fs.Int("track", 0, "track number")
	totalTracks := fs.Int("total-tracks", 0, "total tracks on the album")
	discNumber := fs.Int("disc", 0, "disc number")
	durationSec := fs.Int("duration", 0, "expected duration in seconds")
	sourceID := fs.String("source-id", "", "source catalog track ID for link resolution")
	coverURL := fs.String("cover-url", "", "cover art URL to embed")
	outputDir := fs.String("out", "", "output directory (defaults to config)")
	quality := fs.String("quality", "", "quality tier (defaults to config)")
	quiet := fs.Bool("quiet", false, "suppress progress output")
	fs.Parse(args)

	if *title == "" || *artist == "" {
		return fmt.Errorf("download requires -title and -artist")
	}

	a, err := buildApp(*configPath, *dbPath, *metricsAddr)
	if err != nil {
		return err
	}
	defer a.close()

	req := provider.DownloadRequest{
		ISRC:                 *isrc,
		TrackName:            *title,
		ArtistName:           *artist,
		AlbumName:            *album,
		AlbumArtist:          *albumArtist,
		ReleaseDate:          *releaseDate,
		TrackNumber:          *trackNumber,
		TotalTracks:          *totalTracks,
		DiscNumber:           *discNumber,
		DurationMS:           *durationSec * 1000,
		SourceID:             *sourceID,
		CoverURL:             *coverURL,
		OutputDir:            *outputDir,
		Quality:              *quality,
		FilenameTemplate:     a.cfg.Download.FilenameTemplate,
		EmbedLyrics:          a.cfg.Lyrics.Enabled && a.cfg.Lyrics.EmbedInFile,
		SaveLyricsFile:       a.cfg.Lyrics.Enabled && a.cfg.Lyrics.SaveSeparateFile,
		EmbedMaxQualityCover: a.cfg.Download.MaxQualityCover,
		ItemID:               uuid.NewString(),
	}
	if req.OutputDir == "" {
		req.OutputDir = a.cfg.Download.OutputDir
	}
	if req.Quality == "" {
		req.Quality = a.cfg.Download.Quality
	}
	if err := os.MkdirAll(req.OutputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	if !*quiet {
		stop := startProgressPrinter(a.registry, req.ItemID)
		defer stop()
	}

	result, err := a.manager.Download(ctx, download.Service(*service), req)
	if err != nil {
		return err
	}

	out := map[string]interface{}{
		"path":           result.Path(),
		"already_exists": result.AlreadyExists(),
		"bit_depth":      result.BitDepth,
		"sample_rate":    result.SampleRate,
	}
	return json.NewEncoder(os.Stdout).Encode(out)
}

// startProgressPrinter polls the registry and writes percentages to
// stderr until stopped.
func startProgressPrinter(registry *progress.Registry, itemID string) func() {
	done := make(chan struct{})
	finished := make(chan struct{})

	go func() {
		defer close(finished)
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				item, ok := registry.Get(itemID)
				if !ok {
					continue
				}
				fmt.Fprintf(os.Stderr, "\r%s %3.0f%%", item.Status, item.Progress*100)
			}
		}
	}()

	return func() {
		close(done)
		<-finished
		fmt.Fprintln(os.Stderr)
	}
}

func runPrewarm(args []string) error {
	fs := flag.NewFlagSet("prewarm", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	dbPath := fs.String("db", "", "history database path")
	batchPath := fs.String("batch", "", "JSON file with the tracks to pre-warm")
	fs.Parse(args)

	if *batchPath == "" {
		return fmt.Errorf("prewarm requires -batch")
	}

	data, err := os.ReadFile(*batchPath)
	if err != nil {
		return fmt.Errorf("failed to read batch file: %w", err)
	}
	var batch []struct {
		ISRC     string `json:"isrc"`
		Track    string `json:"track"`
		Artist   string `json:"artist"`
		SourceID string `json:"source_id"`
		Service  string `json:"service"`
	}
	if err := json.Unmarshal(data, &batch); err != nil {
		return fmt.Errorf("invalid batch file: %w", err)
	}

	requests := make([]provider.PreWarmRequest, 0, len(batch))
	for _, item := range batch {
		requests = append(requests, provider.PreWarmRequest{
			ISRC:       item.ISRC,
			TrackName:  item.Track,
			ArtistName: item.Artist,
			SourceID:   item.SourceID,
			Service:    item.Service,
		})
	}

	a, err := buildApp(*configPath, *dbPath, "")
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := signalContext()
	defer cancel()

	warmed := a.prewarm.Warm(ctx, requests)
	fmt.Printf("pre-warmed %d of %d tracks\n", warmed, len(requests))
	return nil
}

func runHistory(args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	dbPath := fs.String("db", "", "history database path")
	limit := fs.Int("limit", 20, "number of entries to show")
	fs.Parse(args)

	a, err := buildApp(*configPath, *dbPath, "")
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := signalContext()
	defer cancel()

	count, err := a.history.Count(ctx)
	if err != nil {
		return err
	}
	entries, err := a.history.Recent(ctx, *limit)
	if err != nil {
		return err
	}

	out := map[string]interface{}{
		"total":   count,
		"entries": entries,
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
