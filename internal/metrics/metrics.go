package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all client metrics
type Metrics struct {
	// Input side
	UnitsSubmitted atomic.Uint64
	UnitsRejected  atomic.Uint64 // Oversized units returned to hardware empty
	UnitsSkipped   atomic.Uint64 // Blocks discarded before the first SPS
	ConfigUnits    atomic.Uint64
	SyncUnits      atomic.Uint64
	NoInputSlot    atomic.Uint64

	// Output side
	OutputsReleased     atomic.Uint64
	FormatChanges       atomic.Uint64
	BufferSetChanges    atomic.Uint64
	StaleOutputs        atomic.Uint64
	RepollLimitExceeded atomic.Uint64

	// Hand-off
	FramesProduced atomic.Uint64
	FramesLatched  atomic.Uint64
	FramesDrawn    atomic.Uint64
	LatchTimeouts  atomic.Uint64
	TextureFaults  atomic.Uint64

	// Session
	CodecOpens     atomic.Uint64
	FatalFaults    atomic.Uint64
	PendingRenders atomic.Int64

	// Recording state
	RecordingActive atomic.Uint64 // 0 = inactive, 1 = active
	RecordingBytes  atomic.Uint64
	RecordingFrames atomic.Uint64

	latchWait prometheus.Histogram

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		latchWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "streamclient_latch_wait_seconds",
			Help:    "Time the render thread waited for a decoded frame",
			Buckets: []float64{.001, .0025, .005, .01, .02, .03, .04, .05},
		}),
	}

	m.registerPrometheusMetrics()

	return m
}

func (m *Metrics) registerPrometheusMetrics() {
	counters := []struct {
		name, help string
		v          *atomic.Uint64
	}{
		{"streamclient_units_submitted_total", "Access units queued to the decoder", &m.UnitsSubmitted},
		{"streamclient_units_rejected_total", "Access units too large for an input slot", &m.UnitsRejected},
		{"streamclient_units_skipped_total", "Blocks discarded while waiting for the first SPS", &m.UnitsSkipped},
		{"streamclient_config_units_total", "Access units submitted as codec config", &m.ConfigUnits},
		{"streamclient_sync_units_total", "Access units submitted as sync frames", &m.SyncUnits},
		{"streamclient_no_input_slot_total", "Submits that found no free input slot", &m.NoInputSlot},
		{"streamclient_outputs_released_total", "Output buffers released for rendering", &m.OutputsReleased},
		{"streamclient_format_changes_total", "Output format changes reported by the decoder", &m.FormatChanges},
		{"streamclient_buffer_set_changes_total", "Output buffer set changes reported by the decoder", &m.BufferSetChanges},
		{"streamclient_stale_outputs_total", "Output indices discarded after invalidation", &m.StaleOutputs},
		{"streamclient_repoll_limit_total", "Drains that hit the re-poll limit", &m.RepollLimitExceeded},
		{"streamclient_frames_produced_total", "Frames delivered to the presenter", &m.FramesProduced},
		{"streamclient_frames_latched_total", "Frames latched into the texture", &m.FramesLatched},
		{"streamclient_frames_drawn_total", "Latched frames drawn", &m.FramesDrawn},
		{"streamclient_latch_timeouts_total", "Latch waits that timed out", &m.LatchTimeouts},
		{"streamclient_texture_faults_total", "Recoverable texture update failures", &m.TextureFaults},
		{"streamclient_codec_opens_total", "Decoder instances opened", &m.CodecOpens},
		{"streamclient_fatal_faults_total", "Fatal session faults", &m.FatalFaults},
		{"streamclient_recording_bytes", "Total bytes written to recording", &m.RecordingBytes},
		{"streamclient_recording_frames", "Total frames written to recording", &m.RecordingFrames},
	}
	for _, c := range counters {
		v := c.v
		m.registry.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{Name: c.name, Help: c.help},
			func() float64 { return float64(v.Load()) },
		))
	}

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "streamclient_pending_renders",
			Help: "Released outputs not yet committed by the render thread",
		},
		func() float64 { return float64(m.PendingRenders.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "streamclient_recording_active",
			Help: "Recording active (0=inactive, 1=active)",
		},
		func() float64 { return float64(m.RecordingActive.Load()) },
	))

	m.registry.MustRegister(m.latchWait)
}

// ObserveLatchWait records how long a latch attempt waited.
func (m *Metrics) ObserveLatchWait(d time.Duration) {
	m.latchWait.Observe(d.Seconds())
}

// Registry exposes the private registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// NewServer returns the metrics HTTP server serving /metrics on addr
func (m *Metrics) NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
