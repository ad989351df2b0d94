package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Direction labels for byte and chunk counters.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// ProtocolMetrics observes the daemon's dispatch loop and streaming
// sub-protocol. The zero-cost no-op implementation is used when metrics
// are disabled.
type ProtocolMetrics interface {
	// RecordCall records one completed procedure call with its outcome
	// ("ok", "error", "cancelled") and wall-clock duration.
	RecordCall(procedure, status string, duration time.Duration)

	// RecordBytes counts frame payload bytes moved in either direction.
	RecordBytes(direction string, bytes int)

	// RecordChunk counts one file-transfer chunk and its data bytes.
	RecordChunk(direction string, bytes int)

	// RecordProgress counts one transmitted progress or heartbeat
	// message.
	RecordProgress()
}

type protocolMetrics struct {
	callsTotal    *prometheus.CounterVec
	callDuration  *prometheus.HistogramVec
	bytesTotal    *prometheus.CounterVec
	chunksTotal   *prometheus.CounterVec
	chunkBytes    *prometheus.CounterVec
	progressTotal prometheus.Counter
}

// NewProtocolMetrics returns a Prometheus-backed ProtocolMetrics, or the
// no-op implementation when the registry has not been initialized.
func NewProtocolMetrics() ProtocolMetrics {
	if !IsEnabled() {
		return NewNoopProtocolMetrics()
	}

	reg := GetRegistry()
	factory := promauto.With(reg)

	return &protocolMetrics{
		callsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vdiskd_calls_total",
			Help: "Procedure calls dispatched, by procedure and outcome.",
		}, []string{"procedure", "status"}),
		callDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vdiskd_call_duration_seconds",
			Help:    "Wall-clock duration of procedure calls.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 10),
		}, []string{"procedure"}),
		bytesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vdiskd_frame_bytes_total",
			Help: "Frame payload bytes moved over the channel.",
		}, []string{"direction"}),
		chunksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vdiskd_chunks_total",
			Help: "File-transfer chunks streamed.",
		}, []string{"direction"}),
		chunkBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vdiskd_chunk_bytes_total",
			Help: "File-transfer data bytes streamed.",
		}, []string{"direction"}),
		progressTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "vdiskd_progress_messages_total",
			Help: "Out-of-band progress messages and pulse heartbeats sent.",
		}),
	}
}

func (m *protocolMetrics) RecordCall(procedure, status string, duration time.Duration) {
	m.callsTotal.WithLabelValues(procedure, status).Inc()
	m.callDuration.WithLabelValues(procedure).Observe(duration.Seconds())
}

func (m *protocolMetrics) RecordBytes(direction string, bytes int) {
	m.bytesTotal.WithLabelValues(direction).Add(float64(bytes))
}

func (m *protocolMetrics) RecordChunk(direction string, bytes int) {
	m.chunksTotal.WithLabelValues(direction).Inc()
	m.chunkBytes.WithLabelValues(direction).Add(float64(bytes))
}

func (m *protocolMetrics) RecordProgress() {
	m.progressTotal.Inc()
}

type noopProtocolMetrics struct{}

// NewNoopProtocolMetrics returns a ProtocolMetrics that discards
// everything.
func NewNoopProtocolMetrics() ProtocolMetrics {
	return noopProtocolMetrics{}
}

func (noopProtocolMetrics) RecordCall(string, string, time.Duration) {}
func (noopProtocolMetrics) RecordBytes(string, int)                  {}
func (noopProtocolMetrics) RecordChunk(string, int)                  {}
func (noopProtocolMetrics) RecordProgress()                          {}
