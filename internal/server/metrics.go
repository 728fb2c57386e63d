package server

import (
	"sync"
	"time"
)

// Metrics holds per-server counters.
type Metrics struct {
	mu sync.RWMutex

	// Upload metrics
	uploadsTotal        int64
	uploadBytesTotal    int64
	uploadErrorsTotal   int64
	uploadDurationTotal time.Duration

	// Download metrics
	downloadsTotal        int64
	downloadBytesTotal    int64
	downloadErrorsTotal   int64
	downloadDurationTotal time.Duration

	textsTotal    int64
	clearsTotal   int64
	pinRejections int64

	// System metrics
	requestsTotal    int64
	requestErrors5xx int64
	requestErrors4xx int64
	malformedTotal   int64
}

// NewMetrics returns zeroed counters.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordUpload records a successful upload
func (m *Metrics) RecordUpload(bytes int64, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploadsTotal++
	m.uploadBytesTotal += bytes
	m.uploadDurationTotal += duration
}

// RecordUploadError records an upload error
func (m *Metrics) RecordUploadError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploadErrorsTotal++
}

// RecordDownload records a completed download
func (m *Metrics) RecordDownload(bytes int64, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.downloadsTotal++
	m.downloadBytesTotal += bytes
	m.downloadDurationTotal += duration
}

// RecordDownloadError records a download cut short
func (m *Metrics) RecordDownloadError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.downloadErrorsTotal++
}

func (m *Metrics) RecordText() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.textsTotal++
}

func (m *Metrics) RecordClear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearsTotal++
}

func (m *Metrics) RecordPinRejection() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pinRejections++
}

func (m *Metrics) RecordMalformed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.malformedTotal++
}

// RecordRequest counts a response by status class
func (m *Metrics) RecordRequest(statusCode int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestsTotal++

	if statusCode >= 500 {
		m.requestErrors5xx++
	} else if statusCode >= 400 {
		m.requestErrors4xx++
	}
}

// Snapshot returns a snapshot of current metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return MetricsSnapshot{
		UploadsTotal:          m.uploadsTotal,
		UploadBytesTotal:      m.uploadBytesTotal,
		UploadErrorsTotal:     m.uploadErrorsTotal,
		UploadAvgDurationMs:   avgDuration(m.uploadDurationTotal, m.uploadsTotal),
		DownloadsTotal:        m.downloadsTotal,
		DownloadBytesTotal:    m.downloadBytesTotal,
		DownloadErrorsTotal:   m.downloadErrorsTotal,
		DownloadAvgDurationMs: avgDuration(m.downloadDurationTotal, m.downloadsTotal),
		TextsTotal:            m.textsTotal,
		ClearsTotal:           m.clearsTotal,
		PinRejectionsTotal:    m.pinRejections,
		RequestsTotal:         m.requestsTotal,
		RequestErrors5xx:      m.requestErrors5xx,
		RequestErrors4xx:      m.requestErrors4xx,
		MalformedTotal:        m.malformedTotal,
	}
}

// MetricsSnapshot represents a point-in-time snapshot of metrics
type MetricsSnapshot struct {
	UploadsTotal        int64   `json:"uploads_total"`
	UploadBytesTotal    int64   `json:"upload_bytes_total"`
	UploadErrorsTotal   int64   `json:"upload_errors_total"`
	UploadAvgDurationMs float64 `json:"upload_avg_duration_ms"`

	DownloadsTotal        int64   `json:"downloads_total"`
	DownloadBytesTotal    int64   `json:"download_bytes_total"`
	DownloadErrorsTotal   int64   `json:"download_errors_total"`
	DownloadAvgDurationMs float64 `json:"download_avg_duration_ms"`

	TextsTotal         int64 `json:"texts_total"`
	ClearsTotal        int64 `json:"clears_total"`
	PinRejectionsTotal int64 `json:"pin_rejections_total"`

	RequestsTotal    int64 `json:"requests_total"`
	RequestErrors5xx int64 `json:"request_errors_5xx"`
	RequestErrors4xx int64 `json:"request_errors_4xx"`
	MalformedTotal   int64 `json:"malformed_total"`
}

func avgDuration(total time.Duration, count int64) float64 {
	if count == 0 {
		return 0
	}
	return float64(total.Milliseconds()) / float64(count)
}
