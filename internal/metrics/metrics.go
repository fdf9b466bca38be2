// Package metrics collects relay statistics. Collector keeps them in memory
// for the JSON status output; PrometheusCollector mirrors them into a
// Prometheus registry.
package metrics

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/moltbunker/uplink/internal/protocol"
	"github.com/moltbunker/uplink/pkg/types"
)

// Collector collects and aggregates relay metrics. It implements
// relay.Metrics.
type Collector struct {
	sessionsEnded   *counterSet // by final state
	sessionsRefused *counterSet // by error type
	channelsOpened  *counterSet // by channel type
	channelsRefused *counterSet // by channel type
	forwardedBlocks *counterSet // by message type
	forwardedBytes  *counterSet
	writtenBlocks   *counterSet // by priority
	writtenBytes    *counterSet
	enqueueRejected *counterSet // by priority
	descriptorDrops *counterSet // "update" or "withdrawal"

	// Time from accept to ACTIVE
	handshakes *LatencyHistogram

	activeSessions  int64
	descriptorLists int64

	// Start time for uptime calculation
	startTime time.Time
}

// counterSet is a family of counters keyed by one label
type counterSet struct {
	mu     sync.RWMutex
	counts map[string]*uint64
}

func newCounterSet() *counterSet {
	return &counterSet{counts: make(map[string]*uint64)}
}

func (s *counterSet) add(label string, n uint64) {
	s.mu.RLock()
	counter, exists := s.counts[label]
	s.mu.RUnlock()
	if !exists {
		s.mu.Lock()
		if counter, exists = s.counts[label]; !exists {
			var val uint64
			counter = &val
			s.counts[label] = counter
		}
		s.mu.Unlock()
	}
	atomic.AddUint64(counter, n)
}

func (s *counterSet) snapshot() map[string]uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]uint64, len(s.counts))
	for label, counter := range s.counts {
		out[label] = atomic.LoadUint64(counter)
	}
	return out
}

// LatencyHistogram tracks latencies in buckets
type LatencyHistogram struct {
	// Bucket boundaries in milliseconds
	// Buckets: [0-1ms], [1-5ms], [5-10ms], [10-25ms], [25-50ms], [50-100ms], [100-250ms], [250-500ms], [500-1000ms], [1000ms+]
	buckets [10]uint64
	sum     uint64 // Total latency in nanoseconds
	count   uint64 // Total count
	mu      sync.Mutex
}

// bucket boundaries in milliseconds
var bucketBoundaries = []int64{1, 5, 10, 25, 50, 100, 250, 500, 1000}

var bucketLabels = []string{
	"0-1ms", "1-5ms", "5-10ms", "10-25ms", "25-50ms",
	"50-100ms", "100-250ms", "250-500ms", "500-1000ms", "1000ms+",
}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	return &Collector{
		sessionsEnded:   newCounterSet(),
		sessionsRefused: newCounterSet(),
		channelsOpened:  newCounterSet(),
		channelsRefused: newCounterSet(),
		forwardedBlocks: newCounterSet(),
		forwardedBytes:  newCounterSet(),
		writtenBlocks:   newCounterSet(),
		writtenBytes:    newCounterSet(),
		enqueueRejected: newCounterSet(),
		descriptorDrops: newCounterSet(),
		handshakes:      &LatencyHistogram{},
		startTime:       time.Now(),
	}
}

// Record records a latency value in the histogram
func (h *LatencyHistogram) Record(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ms := d.Milliseconds()

	// Find the appropriate bucket
	bucketIdx := len(bucketBoundaries) // Default to last bucket (overflow)
	for i, boundary := range bucketBoundaries {
		if ms < boundary {
			bucketIdx = i
			break
		}
	}

	h.buckets[bucketIdx]++
	h.sum += uint64(d.Nanoseconds())
	h.count++
}

func (h *LatencyHistogram) stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	stats := LatencyStats{
		Count:   h.count,
		SumMs:   float64(h.sum) / float64(time.Millisecond),
		Buckets: make(map[string]uint64),
	}
	if h.count > 0 {
		stats.AvgMs = float64(h.sum) / float64(h.count) / float64(time.Millisecond)
	}
	for i, count := range h.buckets {
		if count > 0 {
			stats.Buckets[bucketLabels[i]] = count
		}
	}
	return stats
}

// BlockWritten counts a block written to a session stream
func (c *Collector) BlockWritten(priority protocol.Priority, _ protocol.MessageType, bytes int) {
	c.writtenBlocks.add(priority.String(), 1)
	c.writtenBytes.add(priority.String(), uint64(bytes))
}

// EnqueueRejected counts a block dropped because its lane was full
func (c *Collector) EnqueueRejected(priority protocol.Priority) {
	c.enqueueRejected.add(priority.String(), 1)
}

// SessionActivated records a session reaching ACTIVE after handshake
func (c *Collector) SessionActivated(handshake time.Duration) {
	atomic.AddInt64(&c.activeSessions, 1)
	c.handshakes.Record(handshake)
}

// SessionDeactivated records a session leaving ACTIVE
func (c *Collector) SessionDeactivated() {
	atomic.AddInt64(&c.activeSessions, -1)
}

// SessionEnded counts a finished session by its final state
func (c *Collector) SessionEnded(state types.SessionState) {
	c.sessionsEnded.add(state.String(), 1)
}

// SessionRefused counts a refused handshake by error type
func (c *Collector) SessionRefused(errorType protocol.ErrorType) {
	c.sessionsRefused.add(errorType.String(), 1)
}

func (c *Collector) ChannelOpened(channelType types.ChannelType) {
	c.channelsOpened.add(string(channelType), 1)
}

func (c *Collector) ChannelRefused(channelType types.ChannelType) {
	c.channelsRefused.add(string(channelType), 1)
}

// BlockForwarded counts a block relayed between two sessions
func (c *Collector) BlockForwarded(msgType protocol.MessageType, bytes int) {
	c.forwardedBlocks.add(msgType.String(), 1)
	c.forwardedBytes.add(msgType.String(), uint64(bytes))
}

// DescriptorCacheSize sets the number of retained tool descriptor lists
func (c *Collector) DescriptorCacheSize(entries int) {
	atomic.StoreInt64(&c.descriptorLists, int64(entries))
}

// DescriptorUpdateDropped counts an undelivered descriptor list
func (c *Collector) DescriptorUpdateDropped(withdrawal bool) {
	c.descriptorDrops.add(descriptorDropKind(withdrawal), 1)
}

func descriptorDropKind(withdrawal bool) string {
	if withdrawal {
		return "withdrawal"
	}
	return "update"
}

// Metrics represents the current state of all metrics
type Metrics struct {
	Uptime          string                  `json:"uptime"`
	UptimeSeconds   float64                 `json:"uptime_seconds"`
	ActiveSessions  int64                   `json:"active_sessions"`
	DescriptorLists int64                   `json:"descriptor_lists"`
	SessionsEnded   map[string]uint64       `json:"sessions_ended"`
	SessionsRefused map[string]uint64       `json:"sessions_refused"`
	ChannelsOpened  map[string]uint64       `json:"channels_opened"`
	ChannelsRefused map[string]uint64       `json:"channels_refused"`
	Forwarded       map[string]TrafficStats `json:"forwarded"`
	Written         map[string]TrafficStats `json:"written"`
	EnqueueRejected map[string]uint64       `json:"enqueue_rejected"`
	DescriptorDrops map[string]uint64       `json:"descriptor_updates_dropped"`
	Handshakes      LatencyStats            `json:"handshakes"`
	CollectedAt     time.Time               `json:"collected_at"`
}

// TrafficStats counts blocks and bytes for one label
type TrafficStats struct {
	Blocks uint64 `json:"blocks"`
	Bytes  uint64 `json:"bytes"`
}

// LatencyStats contains latency statistics
type LatencyStats struct {
	Count   uint64            `json:"count"`
	SumMs   float64           `json:"sum_ms"`
	AvgMs   float64           `json:"avg_ms"`
	Buckets map[string]uint64 `json:"buckets"`
}

func traffic(blocks, bytes *counterSet) map[string]TrafficStats {
	out := make(map[string]TrafficStats)
	byteCounts := bytes.snapshot()
	for label, n := range blocks.snapshot() {
		out[label] = TrafficStats{Blocks: n, Bytes: byteCounts[label]}
	}
	return out
}

// GetMetrics returns the current metrics as a Metrics struct
func (c *Collector) GetMetrics() *Metrics {
	uptime := time.Since(c.startTime)
	return &Metrics{
		Uptime:          uptime.Round(time.Second).String(),
		UptimeSeconds:   uptime.Seconds(),
		ActiveSessions:  atomic.LoadInt64(&c.activeSessions),
		DescriptorLists: atomic.LoadInt64(&c.descriptorLists),
		SessionsEnded:   c.sessionsEnded.snapshot(),
		SessionsRefused: c.sessionsRefused.snapshot(),
		ChannelsOpened:  c.channelsOpened.snapshot(),
		ChannelsRefused: c.channelsRefused.snapshot(),
		Forwarded:       traffic(c.forwardedBlocks, c.forwardedBytes),
		Written:         traffic(c.writtenBlocks, c.writtenBytes),
		EnqueueRejected: c.enqueueRejected.snapshot(),
		DescriptorDrops: c.descriptorDrops.snapshot(),
		Handshakes:      c.handshakes.stats(),
		CollectedAt:     time.Now(),
	}
}

// GetMetricsJSON returns the current metrics as JSON
func (c *Collector) GetMetricsJSON() ([]byte, error) {
	return json.Marshal(c.GetMetrics())
}
