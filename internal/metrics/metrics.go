package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the capture, playback, and upload collectors.
// All methods are safe on a nil *Metrics.
type Metrics struct {
	// Recording outcomes
	CaptureTotal    *prometheus.CounterVec
	CaptureDuration prometheus.Histogram

	// Playback
	SegmentPlayTotal      *prometheus.CounterVec
	PlaybackFallbackTotal *prometheus.CounterVec

	// Upload pipeline
	UploadJobTotal    *prometheus.CounterVec
	UploadJobDuration *prometheus.HistogramVec

	// Merge webhook
	MergeMetadataTotal *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg skips registration.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CaptureTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "capture_outcomes_total",
			Help: "Finished recording sessions by outcome",
		}, []string{"outcome"}),

		CaptureDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "capture_duration_seconds",
			Help:    "Duration of accepted captures",
			Buckets: []float64{1, 5, 10, 15, 20, 30, 45, 60},
		}),

		SegmentPlayTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "segment_play_total",
			Help: "Segment playback requests by strategy and result",
		}, []string{"strategy", "result"}),

		PlaybackFallbackTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "playback_fallback_total",
			Help: "Switches from merged seek to individual files by reason",
		}, []string{"reason"}),

		UploadJobTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "upload_jobs_total",
			Help: "Capture upload jobs by status",
		}, []string{"status"}),

		UploadJobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "upload_job_duration_seconds",
			Help:    "Capture upload job duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),

		MergeMetadataTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "merge_metadata_total",
			Help: "Merge-complete callbacks by validation result",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.CaptureTotal, m.CaptureDuration,
			m.SegmentPlayTotal, m.PlaybackFallbackTotal,
			m.UploadJobTotal, m.UploadJobDuration,
			m.MergeMetadataTotal,
		)
	}
	return m
}

// ObserveCapture counts a finished session. outcome is "complete" or an error kind.
func (m *Metrics) ObserveCapture(outcome string, durationMs int64) {
	if m == nil {
		return
	}
	m.CaptureTotal.WithLabelValues(strings.ToLower(outcome)).Inc()
	if durationMs > 0 {
		m.CaptureDuration.Observe(float64(durationMs) / 1000)
	}
}

// ObserveSegmentPlay counts a playSegment call.
func (m *Metrics) ObserveSegmentPlay(strategy, result string) {
	if m == nil {
		return
	}
	m.SegmentPlayTotal.WithLabelValues(strategy, result).Inc()
}

// ObserveFallback counts a permanent switch to individual files.
func (m *Metrics) ObserveFallback(reason string) {
	if m == nil {
		return
	}
	m.PlaybackFallbackTotal.WithLabelValues(reason).Inc()
}

// ObserveUploadJob records one processed upload job.
func (m *Metrics) ObserveUploadJob(status string, seconds float64) {
	if m == nil {
		return
	}
	m.UploadJobTotal.WithLabelValues(status).Inc()
	m.UploadJobDuration.WithLabelValues(status).Observe(seconds)
}

// ObserveMergeMetadata counts a merge-complete callback.
func (m *Metrics) ObserveMergeMetadata(result string) {
	if m == nil {
		return
	}
	m.MergeMetadataTotal.WithLabelValues(result).Inc()
}
