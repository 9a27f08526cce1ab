package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	defaultNamespace  = "bitrate"
	subsystemSessions = "sessions"
)

// SessionCollector keeps per-transport session statistics for either side of a
// transfer and exposes them via Prometheus compatible collectors.
type SessionCollector struct {
	mu        sync.RWMutex
	namespace string
	registry  *prometheus.Registry

	startTime time.Time
	kinds     map[string]*kindStats

	started   *prometheus.CounterVec
	completed *prometheus.CounterVec
	bytes     *prometheus.CounterVec
	segments  *prometheus.CounterVec
	bitrate   *prometheus.HistogramVec
}

type kindStats struct {
	started    uint64
	active     int64
	outcomes   map[string]uint64
	bytes      uint64
	segments   uint64
	bitrateSum float64
}

// KindSnapshot is a point-in-time view of one transport kind.
type KindSnapshot struct {
	Started      uint64
	Active       int64
	Completed    uint64
	Outcomes     map[string]uint64
	Bytes        uint64
	Segments     uint64
	AggregateBps float64
	MeanBps      float64
}

// Snapshot represents a point-in-time view of the collected metrics.
type Snapshot struct {
	Elapsed time.Duration
	Kinds   map[string]KindSnapshot
}

// NewSessionCollector creates a collector and wires up prometheus collectors.
func NewSessionCollector(namespace string) *SessionCollector {
	if strings.TrimSpace(namespace) == "" {
		namespace = defaultNamespace
	}
	c := &SessionCollector{
		namespace: namespace,
		registry:  prometheus.NewRegistry(),
		kinds:     make(map[string]*kindStats),
	}
	c.registerMetrics()
	return c
}

// Registry returns the prometheus registry managed by this collector.
func (c *SessionCollector) Registry() *prometheus.Registry {
	return c.registry
}

// ObserveStart records a session of kind entering its transfer phase.
func (c *SessionCollector) ObserveStart(kind string) {
	c.mu.Lock()
	c.ensureStartTimeLocked()
	ks := c.statsLocked(kind)
	ks.started++
	ks.active++
	c.mu.Unlock()

	c.started.WithLabelValues(kind).Inc()
}

// ObserveResult records a terminal session outcome. bytes and segments are
// whatever the session accounted for; bps is its measured bit-rate.
func (c *SessionCollector) ObserveResult(kind, outcome string, bytes, segments uint64, bps float64) {
	c.mu.Lock()
	c.ensureStartTimeLocked()
	ks := c.statsLocked(kind)
	if ks.active > 0 {
		ks.active--
	}
	ks.outcomes[outcome]++
	ks.bytes += bytes
	ks.segments += segments
	if bps > 0 {
		ks.bitrateSum += bps
	}
	c.mu.Unlock()

	c.completed.WithLabelValues(kind, outcome).Inc()
	if bytes > 0 {
		c.bytes.WithLabelValues(kind).Add(float64(bytes))
	}
	if segments > 0 {
		c.segments.WithLabelValues(kind).Add(float64(segments))
	}
	c.bitrate.WithLabelValues(kind).Observe(bps)
}

// Snapshot creates a read-only view of the collected metrics.
func (c *SessionCollector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := Snapshot{Kinds: make(map[string]KindSnapshot, len(c.kinds))}
	if !c.startTime.IsZero() {
		snap.Elapsed = time.Since(c.startTime)
	}
	for kind, ks := range c.kinds {
		outcomes := make(map[string]uint64, len(ks.outcomes))
		var completed uint64
		for o, n := range ks.outcomes {
			outcomes[o] = n
			completed += n
		}
		var mean float64
		if completed > 0 {
			mean = ks.bitrateSum / float64(completed)
		}
		snap.Kinds[kind] = KindSnapshot{
			Started:      ks.started,
			Active:       ks.active,
			Completed:    completed,
			Outcomes:     outcomes,
			Bytes:        ks.bytes,
			Segments:     ks.segments,
			AggregateBps: ks.bitrateSum,
			MeanBps:      mean,
		}
	}
	return snap
}

func (c *SessionCollector) registerMetrics() {
	c.started = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: c.namespace,
		Subsystem: subsystemSessions,
		Name:      "started_total",
		Help:      "Sessions that entered the transfer phase.",
	}, []string{"kind"})

	c.completed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: c.namespace,
		Subsystem: subsystemSessions,
		Name:      "completed_total",
		Help:      "Sessions that reached a terminal outcome.",
	}, []string{"kind", "outcome"})

	c.bytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: c.namespace,
		Subsystem: subsystemSessions,
		Name:      "bytes_total",
		Help:      "Payload bytes accounted by finished sessions.",
	}, []string{"kind"})

	c.segments = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: c.namespace,
		Subsystem: subsystemSessions,
		Name:      "segments_total",
		Help:      "Datagram segments accounted by finished sessions.",
	}, []string{"kind"})

	c.bitrate = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: c.namespace,
		Subsystem: subsystemSessions,
		Name:      "bitrate_bits_per_second",
		Help:      "Measured bit-rate per finished session.",
		Buckets:   prometheus.ExponentialBuckets(1e6, 4, 10),
	}, []string{"kind"})

	active := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: c.namespace,
		Subsystem: subsystemSessions,
		Name:      "active",
		Help:      "Sessions currently transferring.",
	}, func() float64 {
		c.mu.RLock()
		defer c.mu.RUnlock()
		var n int64
		for _, ks := range c.kinds {
			n += ks.active
		}
		return float64(n)
	})

	c.registry.MustRegister(c.started, c.completed, c.bytes, c.segments, c.bitrate, active)
}

func (c *SessionCollector) statsLocked(kind string) *kindStats {
	ks, ok := c.kinds[kind]
	if !ok {
		ks = &kindStats{outcomes: make(map[string]uint64)}
		c.kinds[kind] = ks
	}
	return ks
}

func (c *SessionCollector) ensureStartTimeLocked() {
	if c.startTime.IsZero() {
		c.startTime = time.Now()
	}
}
