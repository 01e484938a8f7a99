package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the playback engine.
// A nil *Metrics is valid and records nothing, which keeps tests free of
// registry plumbing.
type Metrics struct {
	registry          *prometheus.Registry
	requestsTotal     prometheus.Counter
	errorsTotal       prometheus.Counter
	framesDisplayed   prometheus.Counter
	seeksTotal        *prometheus.CounterVec
	staleRepliesTotal *prometheus.CounterVec
	segmentsAppended  *prometheus.CounterVec
	onDemandRestarts  prometheus.Counter
	playbackStalls    prometheus.Counter
	safeModeEntries   prometheus.Counter
	compatModeEntries prometheus.Counter
	driftWarnings     prometheus.Counter
	activeEngines     prometheus.Gauge
	bufferedSeconds   *prometheus.GaugeVec
	achievedFPS       prometheus.Gauge
}

// New creates and registers Prometheus metrics for the playback engine.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "playback_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "playback_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		framesDisplayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "playback_frames_displayed_total",
			Help: "Total number of frames handed to the renderer",
		}),
		seeksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "playback_seeks_total",
			Help: "Seek requests by outcome (hit, network, miss, expired, superseded)",
		}, []string{"outcome"}),
		staleRepliesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "playback_stale_replies_total",
			Help: "Worker replies dropped because a newer request or session replaced them",
		}, []string{"kind"}),
		segmentsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "playback_segments_appended_total",
			Help: "Segments committed to decode buffers by role",
		}, []string{"role"}),
		onDemandRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "playback_on_demand_restarts_total",
			Help: "On-demand buffer resets after decode errors or fragmented buffering",
		}),
		playbackStalls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "playback_stalls_total",
			Help: "Times the loader could not keep up and signalled a stall",
		}),
		safeModeEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "playback_safe_mode_entries_total",
			Help: "Engines that degraded to safe mode",
		}),
		compatModeEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "playback_compat_mode_entries_total",
			Help: "Engines that fell back to whole-file compatibility mode",
		}),
		driftWarnings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "playback_multiview_drift_warnings_total",
			Help: "Multi-view audits that found tracks more than the allowed frames apart",
		}),
		activeEngines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "playback_active_engines",
			Help: "Number of playback engines currently playing",
		}),
		bufferedSeconds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "playback_buffered_seconds",
			Help: "Seconds of media buffered by role",
		}, []string{"role"}),
		achievedFPS: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "playback_achieved_fps",
			Help: "Frame rate measured by the last diagnostic window",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.framesDisplayed,
		m.seeksTotal,
		m.staleRepliesTotal,
		m.segmentsAppended,
		m.onDemandRestarts,
		m.playbackStalls,
		m.safeModeEntries,
		m.compatModeEntries,
		m.driftWarnings,
		m.activeEngines,
		m.bufferedSeconds,
		m.achievedFPS,
	)

	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	if m == nil {
		return
	}
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	if m == nil {
		return
	}
	m.errorsTotal.Inc()
}

// IncFramesDisplayed counts one rendered frame.
func (m *Metrics) IncFramesDisplayed() {
	if m == nil {
		return
	}
	m.framesDisplayed.Inc()
}

// IncSeek counts a seek by outcome.
func (m *Metrics) IncSeek(outcome string) {
	if m == nil {
		return
	}
	m.seeksTotal.WithLabelValues(outcome).Inc()
}

// IncStaleReply counts a dropped worker reply.
func (m *Metrics) IncStaleReply(kind string) {
	if m == nil {
		return
	}
	m.staleRepliesTotal.WithLabelValues(kind).Inc()
}

// IncSegmentsAppended counts a committed segment for role.
func (m *Metrics) IncSegmentsAppended(role string) {
	if m == nil {
		return
	}
	m.segmentsAppended.WithLabelValues(role).Inc()
}

// IncOnDemandRestarts counts an on-demand reset.
func (m *Metrics) IncOnDemandRestarts() {
	if m == nil {
		return
	}
	m.onDemandRestarts.Inc()
}

// IncPlaybackStalls counts a stall signal.
func (m *Metrics) IncPlaybackStalls() {
	if m == nil {
		return
	}
	m.playbackStalls.Inc()
}

// IncSafeMode counts a safe mode entry.
func (m *Metrics) IncSafeMode() {
	if m == nil {
		return
	}
	m.safeModeEntries.Inc()
}

// IncCompatMode counts a compatibility mode entry.
func (m *Metrics) IncCompatMode() {
	if m == nil {
		return
	}
	m.compatModeEntries.Inc()
}

// IncDriftWarnings counts a multi-view drift warning.
func (m *Metrics) IncDriftWarnings() {
	if m == nil {
		return
	}
	m.driftWarnings.Inc()
}

// AddActiveEngines adjusts the playing engines gauge by delta.
func (m *Metrics) AddActiveEngines(delta int) {
	if m == nil {
		return
	}
	m.activeEngines.Add(float64(delta))
}

// SetBufferedSeconds sets the buffered duration for role.
func (m *Metrics) SetBufferedSeconds(role string, seconds float64) {
	if m == nil {
		return
	}
	m.bufferedSeconds.WithLabelValues(role).Set(seconds)
}

// SetAchievedFPS records the last measured frame rate.
func (m *Metrics) SetAchievedFPS(fps float64) {
	if m == nil {
		return
	}
	m.achievedFPS.Set(fps)
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. buffered seconds).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
