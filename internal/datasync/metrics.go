package datasync

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the sync layer. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	cacheHits      prometheus.Counter
	cacheMisses    prometheus.Counter
	cacheEvictions prometheus.Counter
	cacheSize      prometheus.Gauge

	queueDepth   prometheus.Gauge
	drains       prometheus.Counter
	itemsSynced  *prometheus.CounterVec
	itemsDropped *prometheus.CounterVec
	itemsRetried prometheus.Counter

	subscriptions prometheus.Gauge
	pushes        prometheus.Counter
	stalePushes   prometheus.Counter
}

// NewMetrics creates and registers the sync metrics with reg
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "biolink",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Total number of cache hits",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "biolink",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Total number of cache misses",
		}),
		cacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "biolink",
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Total number of entries evicted for capacity",
		}),
		cacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "biolink",
			Subsystem: "cache",
			Name:      "size",
			Help:      "Current number of entries in cache",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "biolink",
			Subsystem: "sync",
			Name:      "queue_depth",
			Help:      "Number of mutations waiting to be synced",
		}),
		drains: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "biolink",
			Subsystem: "sync",
			Name:      "drains_total",
			Help:      "Total number of queue drain passes",
		}),
		itemsSynced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "biolink",
			Subsystem: "sync",
			Name:      "items_synced_total",
			Help:      "Mutations confirmed by the remote store",
		}, []string{"op"}),
		itemsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "biolink",
			Subsystem: "sync",
			Name:      "items_dropped_total",
			Help:      "Mutations dropped without reaching the remote store",
		}, []string{"reason"}),
		itemsRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "biolink",
			Subsystem: "sync",
			Name:      "items_retried_total",
			Help:      "Mutations requeued after a transient failure",
		}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "biolink",
			Subsystem: "subscriptions",
			Name:      "active",
			Help:      "Number of open remote listeners",
		}),
		pushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "biolink",
			Subsystem: "subscriptions",
			Name:      "pushes_total",
			Help:      "Server pushes applied to the cache",
		}),
		stalePushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "biolink",
			Subsystem: "subscriptions",
			Name:      "stale_pushes_total",
			Help:      "Server pushes discarded because a newer local write is pending",
		}),
	}

	collectors := []prometheus.Collector{
		m.cacheHits, m.cacheMisses, m.cacheEvictions, m.cacheSize,
		m.queueDepth, m.drains, m.itemsSynced, m.itemsDropped, m.itemsRetried,
		m.subscriptions, m.pushes, m.stalePushes,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) recordHit() {
	if m != nil {
		m.cacheHits.Inc()
	}
}

func (m *Metrics) recordMiss() {
	if m != nil {
		m.cacheMisses.Inc()
	}
}

func (m *Metrics) recordEvictions(n int) {
	if m != nil {
		m.cacheEvictions.Add(float64(n))
	}
}

func (m *Metrics) updateCacheSize(n int) {
	if m != nil {
		m.cacheSize.Set(float64(n))
	}
}

func (m *Metrics) updateQueueDepth(n int) {
	if m != nil {
		m.queueDepth.Set(float64(n))
	}
}

func (m *Metrics) recordDrain() {
	if m != nil {
		m.drains.Inc()
	}
}

func (m *Metrics) recordSynced(op Operation) {
	if m != nil {
		m.itemsSynced.WithLabelValues(string(op)).Inc()
	}
}

func (m *Metrics) recordDropped(reason string) {
	if m != nil {
		m.itemsDropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) recordRetry() {
	if m != nil {
		m.itemsRetried.Inc()
	}
}

func (m *Metrics) updateSubscriptions(n int) {
	if m != nil {
		m.subscriptions.Set(float64(n))
	}
}

func (m *Metrics) recordPush(stale bool) {
	if m == nil {
		return
	}
	if stale {
		m.stalePushes.Inc()
		return
	}
	m.pushes.Inc()
}
