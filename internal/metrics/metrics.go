package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Bus metrics
	FramesTransmitted prometheus.Counter
	FramesDropped     *prometheus.CounterVec
	BusFrameRate      prometheus.Gauge
	FrameSize         prometheus.Histogram

	// Observer metrics
	FramesObserved *prometheus.CounterVec
	BytesObserved  prometheus.Counter
	BufferOccupied prometheus.Gauge

	// Analyzer metrics
	AnomaliesDetected *prometheus.CounterVec

	// Fault injection metrics
	FaultsInjected *prometheus.CounterVec

	// Replay metrics
	FramesReplayed   prometheus.Counter
	PlaybackSessions prometheus.Counter

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New creates and registers all metrics
func New() *Metrics {
	m := &Metrics{
		// Bus metrics
		FramesTransmitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vcansim_frames_transmitted_total",
			Help: "Total number of frames accepted onto the bus",
		}),
		FramesDropped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vcansim_frames_dropped_total",
				Help: "Total number of frames dropped",
			},
			[]string{"reason"}, // rejected (fault or queue overflow), shutdown
		),
		BusFrameRate: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vcansim_bus_frame_rate",
			Help: "Current bus throughput in frames per second",
		}),
		FrameSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "vcansim_frame_size_bytes",
			Help:    "Payload size of transmitted frames",
			Buckets: []float64{0, 1, 2, 3, 4, 5, 6, 7, 8},
		}),

		// Observer metrics
		FramesObserved: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vcansim_frames_observed_total",
				Help: "Total number of frames observed per arbitration ID",
			},
			[]string{"arbitration_id"},
		),
		BytesObserved: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vcansim_bytes_observed_total",
			Help: "Total payload bytes observed",
		}),
		BufferOccupied: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vcansim_observer_buffer_frames",
			Help: "Number of frames currently held in the observer ring buffer",
		}),

		// Analyzer metrics
		AnomaliesDetected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vcansim_anomalies_detected_total",
				Help: "Total number of timing anomalies detected",
			},
			[]string{"type", "severity"},
		),

		// Fault injection metrics
		FaultsInjected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vcansim_faults_injected_total",
				Help: "Total number of fault rule applications",
			},
			[]string{"type"},
		),

		// Replay metrics
		FramesReplayed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vcansim_frames_replayed_total",
			Help: "Total number of frames injected by the player",
		}),
		PlaybackSessions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vcansim_playback_sessions_total",
			Help: "Total number of playback sessions started",
		}),

		// HTTP metrics
		HTTPRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vcansim_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vcansim_http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}

	return m
}

// RecordTransmit records a frame accepted onto the bus
func (m *Metrics) RecordTransmit(payloadLen int) {
	m.FramesTransmitted.Inc()
	m.FrameSize.Observe(float64(payloadLen))
}

// RecordDropped records a dropped frame
func (m *Metrics) RecordDropped(reason string) {
	m.FramesDropped.WithLabelValues(reason).Inc()
}

// SetFrameRate records the current bus throughput
func (m *Metrics) SetFrameRate(framesPerSecond float64) {
	m.BusFrameRate.Set(framesPerSecond)
}

// RecordObserved records a frame seen by the observer
func (m *Metrics) RecordObserved(id string, payloadLen int) {
	m.FramesObserved.WithLabelValues(id).Inc()
	m.BytesObserved.Add(float64(payloadLen))
}

// SetBufferOccupied records the observer ring buffer fill level
func (m *Metrics) SetBufferOccupied(frames int) {
	m.BufferOccupied.Set(float64(frames))
}

// RecordAnomaly records a detected timing anomaly
func (m *Metrics) RecordAnomaly(eventType, severity string) {
	m.AnomaliesDetected.WithLabelValues(eventType, severity).Inc()
}

// RecordFault records a fault rule application
func (m *Metrics) RecordFault(faultType string) {
	m.FaultsInjected.WithLabelValues(faultType).Inc()
}

// AddFaults records several fault applications at once, for callers that
// sample cumulative counters
func (m *Metrics) AddFaults(faultType string, n uint64) {
	if n > 0 {
		m.FaultsInjected.WithLabelValues(faultType).Add(float64(n))
	}
}

// RecordReplayedFrame records a frame injected by the player
func (m *Metrics) RecordReplayedFrame() {
	m.FramesReplayed.Inc()
}

// RecordPlaybackStart records a playback session starting
func (m *Metrics) RecordPlaybackStart() {
	m.PlaybackSessions.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path string, status int, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, path, m.statusCodeToString(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, path).Observe(durationSeconds)
}

// statusCodeToString converts an HTTP status code to a string
func (m *Metrics) statusCodeToString(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
