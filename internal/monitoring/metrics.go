package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DownloadsTotal tracks total number of downloads by provider and status
	DownloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flacbridge_downloads_total",
			Help: "Total number of downloads",
		},
		[]string{"provider", "status"},
	)

	// DownloadDuration tracks download duration in seconds by provider
	DownloadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flacbridge_download_duration_seconds",
			Help:    "Download duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17min
		},
		[]string{"provider"},
	)

	// ActiveDownloads tracks number of active downloads
	ActiveDownloads = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flacbridge_active_downloads",
			Help: "Number of active downloads",
		},
	)

	// DownloadBytesTotal tracks total bytes downloaded
	DownloadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flacbridge_download_bytes_total",
			Help: "Total bytes downloaded",
		},
	)

	// APIRequestsTotal tracks API requests by endpoint and status
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flacbridge_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"endpoint", "status"},
	)

	// APIRequestDuration tracks API request duration
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flacbridge_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	// CacheHitsTotal tracks track-ID cache hits by provider
	CacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flacbridge_cache_hits_total",
			Help: "Total number of track-ID cache hits",
		},
		[]string{"provider"},
	)

	// CacheMissesTotal tracks track-ID cache misses by provider
	CacheMissesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flacbridge_cache_misses_total",
			Help: "Total number of track-ID cache misses",
		},
		[]string{"provider"},
	)

	// ISPBlockDetections tracks requests diagnosed as ISP-blocked
	ISPBlockDetections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flacbridge_isp_block_detections_total",
			Help: "Total number of requests diagnosed as ISP blocking",
		},
	)

	// RetryAttemptsTotal tracks HTTP retry attempts by reason
	RetryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flacbridge_retry_attempts_total",
			Help: "Total number of HTTP retry attempts",
		},
		[]string{"reason"},
	)

	// ErrorsTotal tracks errors by type
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flacbridge_errors_total",
			Help: "Total number of errors",
		},
		[]string{"type"},
	)
)

// RecordDownloadStart records the start of a download
func RecordDownloadStart(provider string) {
	ActiveDownloads.Inc()
}

// RecordDownloadComplete records a completed download
func RecordDownloadComplete(provider string, duration time.Duration, bytes int64) {
	DownloadsTotal.WithLabelValues(provider, "completed").Inc()
	DownloadDuration.WithLabelValues(provider).Observe(duration.Seconds())
	DownloadBytesTotal.Add(float64(bytes))
	ActiveDownloads.Dec()
}

// RecordDownloadFailed records a failed download
func RecordDownloadFailed(provider string, errorType string) {
	DownloadsTotal.WithLabelValues(provider, "failed").Inc()
	ErrorsTotal.WithLabelValues(errorType).Inc()
	ActiveDownloads.Dec()
}

// RecordAPIRequest records an API request
func RecordAPIRequest(endpoint string, status string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(endpoint, status).Inc()
	APIRequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordCacheHit records a track-ID cache hit
func RecordCacheHit(provider string) {
	CacheHitsTotal.WithLabelValues(provider).Inc()
}

// RecordCacheMiss records a track-ID cache miss
func RecordCacheMiss(provider string) {
	CacheMissesTotal.WithLabelValues(provider).Inc()
}

// RecordISPBlock records a request diagnosed as ISP blocking
func RecordISPBlock() {
	ISPBlockDetections.Inc()
}

// RecordRetry records a retry attempt with its reason
func RecordRetry(reason string) {
	RetryAttemptsTotal.WithLabelValues(reason).Inc()
}

// RecordError records an error
func RecordError(errorType string) {
	ErrorsTotal.WithLabelValues(errorType).Inc()
}
