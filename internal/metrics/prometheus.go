package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/moltbunker/uplink/internal/protocol"
	"github.com/moltbunker/uplink/pkg/types"
)

// PrometheusCollector wraps the existing Collector and mirrors its metrics
// into Prometheus format. Both the JSON output and the Prometheus exposition
// format are supported simultaneously. It implements relay.Metrics.
type PrometheusCollector struct {
	collector *Collector
	registry  *prometheus.Registry

	sessionsEnded     *prometheus.CounterVec
	sessionsRefused   *prometheus.CounterVec
	channelsOpened    *prometheus.CounterVec
	channelsRefused   *prometheus.CounterVec
	forwardedBlocks   *prometheus.CounterVec
	forwardedBytes    *prometheus.CounterVec
	writtenBytes      *prometheus.CounterVec
	enqueueRejected   *prometheus.CounterVec
	descriptorDrops   *prometheus.CounterVec
	handshakeDuration prometheus.Histogram

	activeSessions  prometheus.Gauge
	descriptorLists prometheus.Gauge
	goroutineCount  prometheus.Gauge
	uptimeSeconds   prometheus.Gauge

	startTime time.Time
}

// NewPrometheusCollector creates a PrometheusCollector that wraps an existing
// Collector. Prometheus metrics are registered in a dedicated registry so they
// do not interfere with the default global registry.
func NewPrometheusCollector(c *Collector) *PrometheusCollector {
	reg := prometheus.NewRegistry()
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		vec := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "uplink",
			Name:      name,
			Help:      help,
		}, labels)
		reg.MustRegister(vec)
		return vec
	}
	gauge := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "uplink",
			Name:      name,
			Help:      help,
		})
		reg.MustRegister(g)
		return g
	}

	handshakeDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "uplink",
		Name:      "session_handshake_duration_seconds",
		Help:      "Time from accepting a connection to the session becoming active.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	})
	reg.MustRegister(handshakeDuration)

	return &PrometheusCollector{
		collector:         c,
		registry:          reg,
		sessionsEnded:     counter("sessions_ended_total", "Finished sessions by final state.", "state"),
		sessionsRefused:   counter("sessions_refused_total", "Refused handshakes by error type.", "error_type"),
		channelsOpened:    counter("channels_opened_total", "Established channels by type.", "channel_type"),
		channelsRefused:   counter("channels_refused_total", "Refused channel requests by type.", "channel_type"),
		forwardedBlocks:   counter("forwarded_blocks_total", "Blocks forwarded between sessions by message type.", "message_type"),
		forwardedBytes:    counter("forwarded_bytes_total", "Bytes forwarded between sessions by message type.", "message_type"),
		writtenBytes:      counter("written_bytes_total", "Bytes written to session streams by priority.", "priority"),
		enqueueRejected:   counter("enqueue_rejected_total", "Blocks dropped because their queue lane was full.", "priority"),
		descriptorDrops:   counter("descriptor_updates_dropped_total", "Tool descriptor lists not delivered to a congested session.", "kind"),
		handshakeDuration: handshakeDuration,
		activeSessions:    gauge("active_sessions", "Number of sessions in ACTIVE state."),
		descriptorLists:   gauge("descriptor_lists", "Number of retained tool descriptor lists."),
		goroutineCount:    gauge("goroutine_count", "Number of goroutines."),
		uptimeSeconds:     gauge("uptime_seconds", "Time since the relay started in seconds."),
		startTime:         time.Now(),
	}
}

// Registry returns the Prometheus registry used by this collector.
func (p *PrometheusCollector) Registry() *prometheus.Registry {
	return p.registry
}

// Collector returns the underlying custom Collector.
func (p *PrometheusCollector) Collector() *Collector {
	return p.collector
}

func (p *PrometheusCollector) BlockWritten(priority protocol.Priority, msgType protocol.MessageType, bytes int) {
	p.collector.BlockWritten(priority, msgType, bytes)
	p.writtenBytes.WithLabelValues(priority.String()).Add(float64(bytes))
}

func (p *PrometheusCollector) EnqueueRejected(priority protocol.Priority) {
	p.collector.EnqueueRejected(priority)
	p.enqueueRejected.WithLabelValues(priority.String()).Inc()
}

func (p *PrometheusCollector) SessionActivated(handshake time.Duration) {
	p.collector.SessionActivated(handshake)
	p.activeSessions.Inc()
	p.handshakeDuration.Observe(handshake.Seconds())
}

func (p *PrometheusCollector) SessionDeactivated() {
	p.collector.SessionDeactivated()
	p.activeSessions.Dec()
}

func (p *PrometheusCollector) SessionEnded(state types.SessionState) {
	p.collector.SessionEnded(state)
	p.sessionsEnded.WithLabelValues(state.String()).Inc()
}

func (p *PrometheusCollector) SessionRefused(errorType protocol.ErrorType) {
	p.collector.SessionRefused(errorType)
	p.sessionsRefused.WithLabelValues(errorType.String()).Inc()
}

func (p *PrometheusCollector) ChannelOpened(channelType types.ChannelType) {
	p.collector.ChannelOpened(channelType)
	p.channelsOpened.WithLabelValues(string(channelType)).Inc()
}

func (p *PrometheusCollector) ChannelRefused(channelType types.ChannelType) {
	p.collector.ChannelRefused(channelType)
	p.channelsRefused.WithLabelValues(string(channelType)).Inc()
}

func (p *PrometheusCollector) BlockForwarded(msgType protocol.MessageType, bytes int) {
	p.collector.BlockForwarded(msgType, bytes)
	p.forwardedBlocks.WithLabelValues(msgType.String()).Inc()
	p.forwardedBytes.WithLabelValues(msgType.String()).Add(float64(bytes))
}

func (p *PrometheusCollector) DescriptorCacheSize(entries int) {
	p.collector.DescriptorCacheSize(entries)
	p.descriptorLists.Set(float64(entries))
}

func (p *PrometheusCollector) DescriptorUpdateDropped(withdrawal bool) {
	p.collector.DescriptorUpdateDropped(withdrawal)
	p.descriptorDrops.WithLabelValues(descriptorDropKind(withdrawal)).Inc()
}

// Sync refreshes the gauges that are sampled rather than event driven.
func (p *PrometheusCollector) Sync() {
	p.goroutineCount.Set(float64(runtime.NumGoroutine()))
	p.uptimeSeconds.Set(time.Since(p.startTime).Seconds())
}

// PrometheusHandler returns an http.Handler that serves metrics in the
// Prometheus text exposition format.
func (p *PrometheusCollector) PrometheusHandler() http.Handler {
	handler := promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.Sync()
		handler.ServeHTTP(w, r)
	})
}

// JSONHandler serves the Collector snapshot as JSON
func (p *PrometheusCollector) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := p.collector.GetMetricsJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	})
}
