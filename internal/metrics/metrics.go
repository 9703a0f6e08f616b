package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the transcription pipeline.
type Metrics struct {
	ActiveSessions  prometheus.Gauge
	OpenConnections prometheus.Gauge

	AudioBytesTotal      prometheus.Counter
	WindowsFlushedTotal  prometheus.Counter
	WindowsDroppedTotal  prometheus.Counter
	SegmentsPersisted    prometheus.Counter
	TranscriptionErrors  prometheus.Counter
	TranscriptionSeconds prometheus.Histogram

	SummariesGenerated prometheus.Counter
	SummariesFailed    prometheus.Counter
	SessionsReaped     prometheus.Counter
	GraceExpirations   prometheus.Counter
}

// Default creates metrics on the default registerer.
func Default() *Metrics {
	return New(prometheus.DefaultRegisterer)
}

// New creates a new set of pipeline metrics.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "scribe_active_sessions",
			Help: "Sessions currently in the registry",
		}),
		OpenConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "scribe_open_ws_connections",
			Help: "Open audio WebSocket connections",
		}),
		AudioBytesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "scribe_audio_bytes_total",
			Help: "Total audio bytes received over all sessions",
		}),
		WindowsFlushedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "scribe_windows_flushed_total",
			Help: "Audio windows handed to the transcription dispatcher",
		}),
		WindowsDroppedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "scribe_windows_dropped_total",
			Help: "Audio windows dropped under backpressure",
		}),
		SegmentsPersisted: factory.NewCounter(prometheus.CounterOpts{
			Name: "scribe_segments_persisted_total",
			Help: "Transcript segments written to storage",
		}),
		TranscriptionErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "scribe_transcription_errors_total",
			Help: "Transcription requests that failed",
		}),
		TranscriptionSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "scribe_transcription_seconds",
			Help:    "Transcription request latency",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),
		SummariesGenerated: factory.NewCounter(prometheus.CounterOpts{
			Name: "scribe_summaries_generated_total",
			Help: "Summaries generated successfully",
		}),
		SummariesFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "scribe_summaries_failed_total",
			Help: "Summarization attempts that failed",
		}),
		SessionsReaped: factory.NewCounter(prometheus.CounterOpts{
			Name: "scribe_sessions_reaped_total",
			Help: "Sessions finalized by the idle reaper",
		}),
		GraceExpirations: factory.NewCounter(prometheus.CounterOpts{
			Name: "scribe_grace_expirations_total",
			Help: "Disconnected sessions whose grace period expired",
		}),
	}
}
