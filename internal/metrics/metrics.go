package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tiercache/tiercache/pkg/types"
)

// Collector implements types.MetricsSink on a private prometheus
// registry.
type Collector struct {
	registry *prometheus.Registry

	hits          *prometheus.CounterVec
	misses        prometheus.Counter
	promotions    *prometheus.CounterVec
	evictions     *prometheus.CounterVec
	phaseChecks   *prometheus.CounterVec
	prefetches    prometheus.Counter
	fetchDuration prometheus.Histogram
	circuitOpens  *prometheus.CounterVec
	floodDrops    *prometheus.CounterVec
	tierSize      *prometheus.GaugeVec
	memoryLevel   prometheus.Gauge
}

// NewCollector creates a collector with every metric registered.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tiercache",
			Name:      "hits_total",
			Help:      "Cache hits by serving tier.",
		}, []string{"tier"}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tiercache",
			Name:      "misses_total",
			Help:      "Cache misses.",
		}),
		promotions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tiercache",
			Name:      "promotions_total",
			Help:      "Tier promotions by source and destination tier.",
		}, []string{"from", "to"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tiercache",
			Name:      "evictions_total",
			Help:      "Evictions by tier.",
		}, []string{"tier"}),
		phaseChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tiercache",
			Name:      "phase_checks_total",
			Help:      "Phase alignment checks by outcome.",
		}, []string{"aligned"}),
		prefetches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tiercache",
			Name:      "prefetches_total",
			Help:      "Predictive prefetches staged in the cold tier.",
		}),
		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tiercache",
			Name:      "fetch_duration_seconds",
			Help:      "Miss-path fetch latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		circuitOpens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tiercache",
			Name:      "circuit_opens_total",
			Help:      "Circuit breaker open transitions by key.",
		}, []string{"key"}),
		floodDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tiercache",
			Name:      "event_flood_drops_total",
			Help:      "Event emissions dropped by flood protection.",
		}, []string{"event"}),
		tierSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tiercache",
			Name:      "tier_size",
			Help:      "Entries per tier.",
		}, []string{"tier"}),
		memoryLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tiercache",
			Name:      "memory_pressure_level",
			Help:      "Memory pressure level (0 normal through 3 emergency).",
		}),
	}

	c.registry.MustRegister(
		c.hits, c.misses, c.promotions, c.evictions, c.phaseChecks,
		c.prefetches, c.fetchDuration, c.circuitOpens, c.floodDrops,
		c.tierSize, c.memoryLevel,
	)
	return c
}

func (c *Collector) RecordHit(tier types.Tier) {
	c.hits.WithLabelValues(string(tier)).Inc()
}

func (c *Collector) RecordMiss() {
	c.misses.Inc()
}

func (c *Collector) RecordPromotion(from, to types.Tier) {
	c.promotions.WithLabelValues(string(from), string(to)).Inc()
}

func (c *Collector) RecordEviction(tier types.Tier) {
	c.evictions.WithLabelValues(string(tier)).Inc()
}

func (c *Collector) RecordPhaseCheck(aligned bool) {
	c.phaseChecks.WithLabelValues(strconv.FormatBool(aligned)).Inc()
}

func (c *Collector) RecordPrefetch() {
	c.prefetches.Inc()
}

func (c *Collector) RecordFetchDuration(d time.Duration) {
	c.fetchDuration.Observe(d.Seconds())
}

func (c *Collector) RecordCircuitOpen(key string) {
	c.circuitOpens.WithLabelValues(key).Inc()
}

func (c *Collector) RecordFloodDrop(event string) {
	c.floodDrops.WithLabelValues(event).Inc()
}

func (c *Collector) SetTierSize(tier types.Tier, size int) {
	c.tierSize.WithLabelValues(string(tier)).Set(float64(size))
}

func (c *Collector) SetMemoryLevel(level types.MemoryLevel) {
	c.memoryLevel.Set(float64(level))
}

// Handler returns the exposition handler for the collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Serve starts an HTTP server exposing /metrics on addr. The returned
// server is already listening; shut it down with Shutdown or Close.
func (c *Collector) Serve(addr string, logger *zap.Logger) *http.Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	return server
}
