package download

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/flacbridge/flacbridge-go/internal/errors"
	"github.com/flacbridge/flacbridge-go/internal/monitoring"
	"github.com/flacbridge/flacbridge-go/internal/provider"
	"github.com/flacbridge/flacbridge-go/internal/store"
)

// Service selects which catalog a download goes through.
type Service string

const (
	ServiceAuto   Service = "auto"
	ServiceTidal  Service = "tidal"
	ServiceQobuz  Service = "qobuz"
	ServiceAmazon Service = "amazon"
)

// HistoryRecorder persists completed downloads.
type HistoryRecorder interface {
	Record(ctx context.Context, entry store.HistoryEntry) error
}

// Config wires a Manager.
type Config struct {
	Tidal      *provider.TidalProvider
	Qobuz      *provider.QobuzProvider
	Amazon     *provider.AmazonProvider
	Songlink   *provider.SonglinkClient
	History    HistoryRecorder
	Logger     *zap.Logger
	MaxWorkers int
}

// Manager routes download requests to providers and runs them through
// a worker pool. ServiceAuto tries Tidal, then Qobuz, then Amazon,
// stopping early on ISP blocking since every provider shares the same
// network path.
type Manager struct {
	tidal    *provider.TidalProvider
	qobuz    *provider.QobuzProvider
	amazon   *provider.AmazonProvider
	songlink *provider.SonglinkClient
	history  HistoryRecorder
	logger   *zap.Logger
	pool     *WorkerPool
}

// NewManager creates a download manager.
func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	m := &Manager{
		tidal:    cfg.Tidal,
		qobuz:    cfg.Qobuz,
		amazon:   cfg.Amazon,
		songlink: cfg.Songlink,
		history:  cfg.History,
		logger:   cfg.Logger,
	}
	m.pool = NewWorkerPool(cfg.MaxWorkers, func(ctx context.Context, job *Job) (provider.Result, error) {
		return m.Download(ctx, job.Service, job.Request)
	}, cfg.Logger)
	return m
}

// Start spawns the pool workers.
func (m *Manager) Start(ctx context.Context) error {
	return m.pool.Start(ctx)
}

// Stop cancels all jobs and shuts the pool down.
func (m *Manager) Stop() {
	m.pool.Stop()
}

// Enqueue queues a download and returns its job ID. The job ID doubles
// as the progress-registry item ID when the caller didn't set one.
func (m *Manager) Enqueue(service Service, req provider.DownloadRequest) (string, error) {
	jobID := uuid.NewString()
	if req.ItemID == "" {
		req.ItemID = jobID
	}
	if err := m.pool.Submit(&Job{ID: jobID, Service: service, Request: req}); err != nil {
		return "", err
	}
	return jobID, nil
}

// Results exposes the pool's results channel.
func (m *Manager) Results() <-chan *JobResult {
	return m.pool.Results()
}

// CancelJob cancels one active job.
func (m *Manager) CancelJob(jobID string) error {
	return m.pool.CancelJob(jobID)
}

// CancelAll cancels every active and queued job.
func (m *Manager) CancelAll() {
	m.pool.CancelAll()
}

// ActiveJobCount returns how many jobs are executing.
func (m *Manager) ActiveJobCount() int {
	return m.pool.ActiveJobCount()
}

// Download runs one download synchronously, routing by service.
func (m *Manager) Download(ctx context.Context, service Service, req provider.DownloadRequest) (provider.Result, error) {
	switch service {
	case ServiceTidal:
		return m.downloadVia(ctx, ServiceTidal, req)
	case ServiceQobuz:
		return m.downloadVia(ctx, ServiceQobuz, req)
	case ServiceAmazon:
		return m.downloadVia(ctx, ServiceAmazon, req)
	default:
		return m.downloadAuto(ctx, req)
	}
}

func (m *Manager) downloadAuto(ctx context.Context, req provider.DownloadRequest) (provider.Result, error) {
	order := []Service{ServiceTidal, ServiceQobuz}
	if req.SourceID != "" {
		order = append(order, ServiceAmazon)
	}

	var lastErr error
	for _, service := range order {
		result, err := m.downloadVia(ctx, service, req)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if apperrors.IsBlocked(err) || ctx.Err() != nil {
			return provider.Result{}, err
		}
		m.logger.Warn("provider failed, trying next",
			zap.String("service", string(service)),
			zap.String("track", req.TrackName),
			zap.Error(err))
	}
	return provider.Result{}, lastErr
}

func (m *Manager) downloadVia(ctx context.Context, service Service, req provider.DownloadRequest) (provider.Result, error) {
	name := string(service)
	monitoring.RecordDownloadStart(name)
	start := time.Now()

	var result provider.Result
	var err error
	switch service {
	case ServiceTidal:
		result, err = m.tidal.Download(ctx, m.songlink, req)
	case ServiceQobuz:
		result, err = m.qobuz.Download(ctx, req)
	case ServiceAmazon:
		result, err = m.amazon.Download(ctx, m.songlink, req)
	}

	if err != nil {
		errType := string(apperrors.GetErrorType(err))
		monitoring.RecordDownloadFailed(name, errType)
		monitoring.RecordError(errType)
		return provider.Result{}, err
	}

	var bytes int64
	if info, statErr := os.Stat(result.Path()); statErr == nil {
		bytes = info.Size()
	}
	monitoring.RecordDownloadComplete(name, time.Since(start), bytes)

	if m.history != nil && !result.AlreadyExists() && req.ISRC != "" {
		entry := store.HistoryEntry{
			ISRC:       req.ISRC,
			Title:      req.TrackName,
			Artist:     req.ArtistName,
			Album:      req.AlbumName,
			Provider:   name,
			FilePath:   result.Path(),
			BitDepth:   result.BitDepth,
			SampleRate: result.SampleRate,
		}
		if recErr := m.history.Record(ctx, entry); recErr != nil {
			m.logger.Warn("failed to record download history",
				zap.String("isrc", req.ISRC),
				zap.Error(recErr))
		}
	}

	m.logger.Info("download finished",
		zap.String("service", name),
		zap.String("track", req.TrackName),
		zap.String("path", result.Path()),
		zap.Bool("already_existed", result.AlreadyExists()),
		zap.Duration("elapsed", time.Since(start)))
	return result, nil
}
